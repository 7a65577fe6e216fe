// Package generate provides Generator implementations for the episode loop.
// Upstream forwards intercepted requests to a real chat-completions endpoint,
// which is how standalone CLI runs are driven; training integrations supply
// their own engine instead.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/logging"
	"github.com/avolkov/swebroker/internal/proxy"
	"github.com/avolkov/swebroker/internal/wire"
)

// Upstream forwards requests to an OpenAI-compatible endpoint.
type Upstream struct {
	// BaseURL is the upstream API base, e.g. "https://api.openai.com/v1".
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model overrides the model named by the agent when set.
	Model string

	// HTTPClient defaults to a client with no overall timeout; generation
	// latency is bounded by the caller's context.
	HTTPClient *http.Client

	Logger *zap.SugaredLogger
}

func (u *Upstream) logger() *zap.SugaredLogger {
	if u.Logger == nil {
		return logging.Nop()
	}
	return u.Logger
}

func (u *Upstream) client() *http.Client {
	if u.HTTPClient != nil {
		return u.HTTPClient
	}
	return &http.Client{Timeout: 0}
}

// Generate forwards one request and maps the answer back. Streaming is never
// requested upstream regardless of what the agent asked for.
func (u *Upstream) Generate(ctx context.Context, req *proxy.ModelRequest) (*proxy.ModelResponse, error) {
	model := req.Model
	if u.Model != "" {
		model = u.Model
	}
	out := wire.ChatRequest{
		Model:       model,
		Messages:    make([]wire.ChatMessage, 0, len(req.Turns)),
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		MaxTokens:   req.Sampling.MaxTokens,
		Stop:        wire.StopSequences(req.Sampling.Stop),
	}
	for _, t := range req.Turns {
		out.Messages = append(out.Messages, wire.ChatMessage{Role: t.Role, Content: t.Content})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if u.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.APIKey)
	}

	started := time.Now()
	httpResp, err := u.client().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream read: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var env wire.ErrorEnvelope
		if jerr := json.Unmarshal(raw, &env); jerr == nil && env.Error.Message != "" {
			return nil, fmt.Errorf("upstream %d: %s", httpResp.StatusCode, env.Error.Message)
		}
		return nil, fmt.Errorf("upstream %d: %s", httpResp.StatusCode, string(raw))
	}

	var cr wire.ChatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("upstream decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("upstream returned no choices")
	}
	choice := cr.Choices[0]
	u.logger().Debugw("upstream answered", "request_id", req.ID, "model", model,
		"latency", time.Since(started), "finish_reason", choice.FinishReason)

	return &proxy.ModelResponse{
		RequestID: req.ID,
		Text:      choice.Message.Content,
		Reason:    proxy.CompletionReason(wire.NormalizeFinishReason(choice.FinishReason)),
	}, nil
}
