package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/logging"
	"github.com/avolkov/swebroker/internal/wire"
)

// Config holds the per-episode proxy settings.
type Config struct {
	// PreferredPort is the first port to try; PortAny lets the stack pick.
	PreferredPort int

	// MaxPortAttempts bounds the port fallback window.
	MaxPortAttempts int

	// RequestTimeout bounds how long one HTTP exchange waits for its answer.
	RequestTimeout time.Duration

	// ShutdownGrace bounds connection draining during Shutdown.
	ShutdownGrace time.Duration

	Logger *zap.SugaredLogger
}

func (c *Config) applyDefaults() {
	if c.MaxPortAttempts <= 0 {
		c.MaxPortAttempts = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// Server impersonates a chat-completions provider for one episode. It owns
// the bound port, the request queue, and the response registry; nothing is
// shared across episodes.
type Server struct {
	cfg      Config
	queue    *RequestQueue
	registry *Registry
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	ln      net.Listener
	httpSrv *http.Server
	port    int
	stopped bool
}

// NewServer builds a server with its own queue and registry.
func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		queue:    NewRequestQueue(),
		registry: NewRegistry(),
		logger:   cfg.Logger,
	}
}

// Queue returns the inbound queue; the orchestrator is its sole consumer.
func (s *Server) Queue() *RequestQueue { return s.queue }

// Registry returns the response registry.
func (s *Server) Registry() *Registry { return s.registry }

// Start binds a port (with fallback) and begins serving. The bound port is
// available from Port/BaseURL after Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("proxy already started")
	}

	var ln net.Listener
	if s.cfg.PreferredPort == PortAny {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("bind any port: %w", err)
		}
	} else {
		keep := func(l net.Listener) { ln = l }
		if _, err := ChooseBindablePort(s.cfg.PreferredPort, s.cfg.MaxPortAttempts, listenProbe(keep)); err != nil {
			return err
		}
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpSrv = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// Exchanges park until the orchestrator answers; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.Background() },
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnw("proxy serve loop exited", "err", err)
		}
	}()

	s.logger.Debugw("proxy listening", "port", s.port)
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// BaseURL is the OpenAI-style base the agent process should be pointed at.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/v1", s.Port())
}

// Shutdown stops accepting calls, resolves every parked exchange with a
// synthesized shutdown answer, drains connections within the grace period,
// and releases the port. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.stopped || s.httpSrv == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpSrv
	s.mu.Unlock()

	s.queue.Close()
	failed := s.registry.FailAll(func(id string) *ModelResponse {
		return &ModelResponse{RequestID: id, Text: "", Reason: ReasonStop}
	})
	if failed > 0 {
		s.logger.Debugw("resolved parked exchanges at shutdown", "count", failed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": s.registry.Pending(),
		"queued":  s.queue.Len(),
	})
}

// handleChatCompletions translates one wire request into a ModelRequest,
// parks the exchange on the registry, and translates the answer back.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req wire.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWireError(w, http.StatusBadRequest, wire.ErrTypeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeWireError(w, http.StatusBadRequest, wire.ErrTypeInvalidRequest, err.Error())
		return
	}

	mr := &ModelRequest{
		ID:    uuid.NewString(),
		Model: req.Model,
		Turns: make([]Turn, 0, len(req.Messages)),
		Sampling: SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        []string(req.Stop),
		},
		Stream:     req.Stream,
		Extra:      req.Extra,
		ReceivedAt: time.Now().UTC(),
	}
	for _, m := range req.Messages {
		mr.Turns = append(mr.Turns, Turn{Role: m.Role, Content: m.Content})
	}

	// Admitted during teardown: the queue is closed and FailAll has run, so
	// parking would only time out. Answer with the same clean stop FailAll
	// hands out.
	if s.isStopped() {
		writeJSON(w, http.StatusOK, wire.NewChatResponse("chatcmpl-"+mr.ID, req.Model, "", string(ReasonStop)))
		return
	}

	// Register before the request becomes visible to the orchestrator, so an
	// answer can never race an unregistered waiter.
	if err := s.registry.Register(mr.ID); err != nil {
		writeWireError(w, http.StatusInternalServerError, wire.ErrTypeServer, err.Error())
		return
	}
	s.queue.Enqueue(mr)
	s.logger.Debugw("request admitted", "request_id", mr.ID, "turns", len(mr.Turns))

	resp, err := s.registry.Await(r.Context(), mr.ID, s.cfg.RequestTimeout)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		writeWireError(w, http.StatusGatewayTimeout, wire.ErrTypeTimeout,
			fmt.Sprintf("request timed out after %s", s.cfg.RequestTimeout))
		return
	case err != nil:
		if r.Context().Err() != nil {
			// Client went away; nothing left to write.
			s.logger.Debugw("exchange abandoned", "request_id", mr.ID, "err", err)
			return
		}
		// The entry vanished without an answer: FailAll raced between admit
		// and await. Synthesize the stop it would have delivered.
		s.logger.Debugw("exchange drained by shutdown", "request_id", mr.ID)
		writeJSON(w, http.StatusOK, wire.NewChatResponse("chatcmpl-"+mr.ID, req.Model, "", string(ReasonStop)))
		return
	}

	// Responses are always non-streamed, even when stream was requested; the
	// body shape is still what chat-completions clients accept.
	writeJSON(w, http.StatusOK, wire.NewChatResponse("chatcmpl-"+mr.ID, req.Model, resp.Text, string(resp.Reason)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeWireError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, wire.NewErrorEnvelope(errType, msg))
}
