// Package supervisor owns the external agent process's lifecycle: launch with
// the proxy endpoint wired into its environment, poll liveness, and terminate
// with a bounded grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/logging"
	"github.com/avolkov/swebroker/internal/procutil"
)

// ErrStartFailure wraps launch failures; it is fatal to the episode.
var ErrStartFailure = errors.New("agent process failed to start")

// The client libraries the agent uses insist on an API key even though the
// broker never checks one.
const defaultAPIKeyPlaceholder = "swebroker-local"

// Spec describes how to launch the agent process.
type Spec struct {
	// Command is the argv; Command[0] is the executable.
	Command []string

	// Dir is the working directory the agent runs in.
	Dir string

	// BaseURL is the proxy endpoint, exported as OPENAI_API_BASE.
	BaseURL string

	// APIKey is exported as OPENAI_API_KEY; a placeholder is used when empty.
	APIKey string

	// ExtraEnv entries are appended last and win over the inherited env.
	ExtraEnv map[string]string

	// StdoutPath/StderrPath capture process output; empty discards it.
	StdoutPath string
	StderrPath string
}

// Supervisor manages one agent process. Zero value is not usable; call New.
type Supervisor struct {
	logger *zap.SugaredLogger

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{}
	exitErr    error
	exited     bool
	terminated bool
}

// New returns a supervisor that logs through the given logger.
func New(logger *zap.SugaredLogger) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{logger: logger, done: make(chan struct{})}
}

// Start launches the agent process in its own process group so Terminate can
// signal the whole tree. A non-nil error means the process never ran.
func (s *Supervisor) Start(spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("%w: already started", ErrStartFailure)
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("%w: empty command", ErrStartFailure)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil

	apiKey := spec.APIKey
	if apiKey == "" {
		apiKey = defaultAPIKeyPlaceholder
	}
	env := append(os.Environ(),
		"OPENAI_API_BASE="+spec.BaseURL,
		"OPENAI_BASE_URL="+spec.BaseURL,
		"OPENAI_API_KEY="+apiKey,
	)
	for k, v := range spec.ExtraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var closers []io.Closer
	openSink := func(path string) (io.Writer, error) {
		if path == "" {
			return io.Discard, nil
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		return f, nil
	}
	var err error
	if cmd.Stdout, err = openSink(spec.StdoutPath); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailure, err)
	}
	if cmd.Stderr, err = openSink(spec.StderrPath); err != nil {
		closeAll(closers)
		return fmt.Errorf("%w: %v", ErrStartFailure, err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return fmt.Errorf("%w: %v", ErrStartFailure, err)
	}
	s.cmd = cmd
	s.logger.Debugw("agent process started", "pid", cmd.Process.Pid, "dir", spec.Dir)

	go func() {
		waitErr := cmd.Wait()
		closeAll(closers)
		s.mu.Lock()
		s.exited = true
		s.exitErr = waitErr
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// IsAlive polls whether the process is still running.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil || exited {
		return false
	}
	return procutil.PIDAlive(cmd.Process.Pid)
}

// Wait blocks until the process exits or ctx is done. The process's exit
// error (if any) is recorded, not returned as a failure: the orchestrator
// decides success from the artifact, not the exit code.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return fmt.Errorf("agent process was never started")
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the recorded exit code, or -1 if the process has not
// exited (or was killed by a signal).
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || !s.exited || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// SIGKILLs. Idempotent and safe after the process has already exited.
func (s *Supervisor) Terminate(grace time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil || s.exited || s.terminated {
		exited := s.exited
		s.mu.Unlock()
		if exited || cmd == nil {
			return nil
		}
		// A prior Terminate already signaled; just wait for the reaper.
		return s.awaitExit(2 * time.Second)
	}
	s.terminated = true
	pid := cmd.Process.Pid
	s.mu.Unlock()

	s.logger.Debugw("terminating agent process", "pid", pid, "grace", grace)
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	if grace > 0 {
		select {
		case <-s.done:
			return nil
		case <-time.After(grace):
		}
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return s.awaitExit(2 * time.Second)
}

func (s *Supervisor) awaitExit(bound time.Duration) error {
	select {
	case <-s.done:
		return nil
	case <-time.After(bound):
		return fmt.Errorf("process did not exit after SIGKILL")
	}
}
