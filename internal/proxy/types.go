// Package proxy implements the model-call interception broker: an
// OpenAI-compatible HTTP endpoint that parks each inbound call until the
// episode orchestrator produces an answer for it.
package proxy

import (
	"encoding/json"
	"time"
)

// Turn is one conversation turn carried by a ModelRequest.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams are the optional generation knobs forwarded untouched to the
// generation engine.
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ModelRequest is one intercepted model call. The ID is generated by the
// proxy when the call is admitted and is unique for the life of the episode.
type ModelRequest struct {
	ID         string
	Model      string
	Turns      []Turn
	Sampling   SamplingParams
	Stream     bool
	Extra      map[string]json.RawMessage
	ReceivedAt time.Time
}

// CompletionReason tags how a response finished.
type CompletionReason string

const (
	ReasonStop   CompletionReason = "stop"
	ReasonLength CompletionReason = "length"
	ReasonError  CompletionReason = "error"
)

// ModelResponse is the answer produced for a ModelRequest.
type ModelResponse struct {
	RequestID string
	Text      string
	Reason    CompletionReason
}

// Inbound is what the orchestrator dequeues: either a model request or the
// session-end marker signalling that the agent process has finished.
type Inbound struct {
	Request    *ModelRequest
	SessionEnd bool
}
