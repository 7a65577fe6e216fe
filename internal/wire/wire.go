// Package wire holds the chat-completions JSON shapes the proxy speaks to the
// agent process. The shapes match what an OpenAI-compatible provider returns
// so the agent's client library cannot tell the difference.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Known message roles. Anything else is a client error.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one conversation turn on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StopSequences is the "stop" parameter. Providers accept it as either a
// single string or an array of strings; both decode here, and it always
// re-encodes as an array.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(b []byte) error {
	t := bytes.TrimSpace(b)
	if len(t) > 0 && t[0] == '"' {
		var one string
		if err := json.Unmarshal(t, &one); err != nil {
			return err
		}
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(t, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ChatRequest is the POST /v1/chat/completions body. Unknown fields are kept
// in Extra so newer client libraries keep working against the proxy.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	N           *int          `json:"n,omitempty"`
	Stop        StopSequences `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownRequestFields are the fields decoded into the struct; everything else
// lands in Extra.
var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "temperature": true, "top_p": true,
	"max_tokens": true, "n": true, "stop": true, "stream": true,
}

func (r *ChatRequest) UnmarshalJSON(b []byte) error {
	type plain ChatRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownRequestFields[k] {
			delete(raw, k)
		}
	}
	*r = ChatRequest(p)
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest
	b, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate reports the first structural problem as a client-facing message.
// It never inspects Extra: unknown parameters are not errors.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required and must be non-empty")
	}
	for i, m := range r.Messages {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
		switch role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d].role %q is not a valid role", i, m.Role)
		}
	}
	return nil
}

// ChatChoice is a single completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage is optional token accounting. The broker does not tokenize; zero
// values are emitted so clients that read usage do not break.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the chat.completion response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// NewChatResponse assembles a single-choice completion response.
func NewChatResponse(id, model, content, finishReason string) ChatResponse {
	return ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: RoleAssistant, Content: content},
			FinishReason: NormalizeFinishReason(finishReason),
		}},
		Usage: &Usage{},
	}
}

// ErrorDetail is the inner error object providers return.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope is the structured error body: {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// Error types emitted by the proxy. They mirror the strings real providers
// use so the agent's retry/error handling takes the same paths.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeServer         = "server_error"
)

// NewErrorEnvelope builds the standard error body.
func NewErrorEnvelope(errType, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{Message: message, Type: errType}}
}

// NormalizeFinishReason maps internal and provider-flavored completion
// reasons onto the chat-completions vocabulary.
func NormalizeFinishReason(in string) string {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "", "stop", "end_turn":
		return "stop"
	case "length", "max_tokens":
		return "length"
	case "error":
		return "error"
	default:
		return strings.ToLower(strings.TrimSpace(in))
	}
}
