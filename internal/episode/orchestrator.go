package episode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/logging"
	"github.com/avolkov/swebroker/internal/patch"
	"github.com/avolkov/swebroker/internal/proxy"
	"github.com/avolkov/swebroker/internal/reward"
	"github.com/avolkov/swebroker/internal/supervisor"
)

// forcedStopText is delivered as a normal completion when a budget trips, so
// the agent's client sees a clean final message instead of an error.
const forcedStopText = "You have reached the session limit. Finalize your changes and submit your work now."

// Orchestrator runs one episode to completion. Build with New, run once.
type Orchestrator struct {
	opts   Options
	logger *zap.SugaredLogger

	id    string
	state State
}

// New validates options and prepares an orchestrator. The episode ID is
// allocated here so logs carry it from the first line.
func New(opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("episode: Generator is required")
	}
	if len(opts.AgentCommand) == 0 {
		return nil, fmt.Errorf("episode: AgentCommand is required")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 100
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 100
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.Extractor == nil {
		opts.Extractor = defaultExtractor{globs: opts.ExcludeGlobs, instanceID: opts.TaskID}
	}
	if opts.Scorer == nil {
		opts.Scorer = defaultScorer{}
	}
	if opts.NewAgentProcess == nil {
		logger := opts.Logger
		opts.NewAgentProcess = func() AgentProcess { return supervisor.New(logger) }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	id := ulid.Make().String()
	return &Orchestrator{
		opts:   opts,
		logger: opts.Logger.With("episode_id", id, "task_id", opts.TaskID),
		id:     id,
		state:  StateStarting,
	}, nil
}

// ID returns the episode's ULID.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Run drives the episode through its lifecycle. The returned Result is
// non-nil even on error; resource cleanup (proxy port, agent process) is
// guaranteed on every path. Only startup failures (no bindable port, agent
// never launched) and external cancellation surface as errors; everything
// after a successful start resolves into the Result instead.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		EpisodeID:     o.id,
		TaskID:        o.opts.TaskID,
		State:         StateStarting,
		PatchStrategy: patch.StrategyNone,
		AgentExitCode: -1,
	}

	srv := proxy.NewServer(proxy.Config{
		PreferredPort:   o.opts.PreferredPort,
		MaxPortAttempts: o.opts.PortMaxAttempts,
		RequestTimeout:  o.opts.RequestTimeout,
		ShutdownGrace:   o.opts.ShutdownGrace,
		Logger:          o.logger,
	})
	if err := srv.Start(); err != nil {
		o.state, res.State = StateAborted, StateAborted
		return res, err
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			o.logger.Warnw("proxy shutdown", "err", err)
		}
		res.StaleDeliveries = srv.Registry().StaleDeliveries()
	}()

	// The wall-clock budget covers the whole episode, agent startup included.
	deadline := time.Now().Add(o.opts.Deadline)

	agent := o.opts.NewAgentProcess()
	spec := supervisor.Spec{
		Command:  o.opts.AgentCommand,
		Dir:      o.opts.Workdir,
		BaseURL:  srv.BaseURL(),
		APIKey:   o.opts.AgentAPIKey,
		ExtraEnv: o.opts.AgentEnv,
	}
	if o.opts.OutputDir != "" {
		spec.StdoutPath = filepath.Join(o.opts.OutputDir, o.id+".agent.stdout.log")
		spec.StderrPath = filepath.Join(o.opts.OutputDir, o.id+".agent.stderr.log")
	}
	if err := agent.Start(spec); err != nil {
		o.state, res.State = StateAborted, StateAborted
		return res, err
	}
	defer func() {
		if err := agent.Terminate(o.opts.ShutdownGrace); err != nil {
			o.logger.Warnw("agent termination", "err", err)
		}
		res.AgentExitCode = agent.ExitCode()
	}()

	// The agent exiting, cleanly or not, is what ends the session; the marker
	// flows through the same queue as its requests so the loop sees them in
	// order.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := agent.Wait(watchCtx); err != nil {
			return
		}
		srv.Queue().EnqueueSessionEnd()
	}()

	o.logger.Infow("episode started", "port", srv.Port(), "max_steps", o.opts.MaxSteps,
		"max_turns", o.opts.MaxTurns, "deadline", o.opts.Deadline)

	o.state, res.State = StateRunning, StateRunning
	cause := o.runLoop(ctx, srv, res, deadline)
	// The session-end marker covers both a clean finish and a crash; the
	// recorded exit code tells them apart.
	if cause == StopSessionEnd && agent.ExitCode() != 0 {
		cause = StopAgentCrash
	}
	res.StopCause = cause

	o.state, res.State = StateDraining, StateDraining
	if err := agent.Terminate(o.opts.ShutdownGrace); err != nil {
		o.logger.Warnw("agent did not exit within grace", "err", err)
	}
	if err := srv.Shutdown(); err != nil {
		o.logger.Warnw("proxy shutdown", "err", err)
	}

	if cause == StopCanceled {
		o.state, res.State = StateAborted, StateAborted
		o.logger.Infow("episode aborted")
		return res, ctx.Err()
	}

	o.state, res.State = StateFinalizing, StateFinalizing
	o.finalize(res)

	o.state, res.State = StateDone, StateDone
	o.logger.Infow("episode done", "stop_cause", res.StopCause, "steps", len(res.Trajectory),
		"patch_strategy", res.PatchStrategy, "score", res.Score)
	return res, nil
}

// runLoop is the Running state: it pumps requests from the queue through the
// generator until a session-end marker, a budget, or cancellation stops it.
func (o *Orchestrator) runLoop(ctx context.Context, srv *proxy.Server, res *Result, deadline time.Time) StopCause {
	loopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	steps := 0
	turns := 0
	for {
		in, err := srv.Queue().Dequeue(loopCtx)
		if err != nil {
			if errors.Is(loopCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return StopDeadline
			}
			if ctx.Err() != nil {
				return StopCanceled
			}
			// Queue closed underneath us; treat as the session ending.
			return StopSessionEnd
		}

		// The marker always wins: even when a budget tripped in the same
		// iteration, a finished agent is a finished session.
		if in.SessionEnd {
			return StopSessionEnd
		}
		req := in.Request

		if over, cause := o.budgetExceeded(steps, turns, req, deadline); over {
			o.forceStop(srv, req, res)
			return cause
		}

		resp, err := o.opts.Generator.Generate(loopCtx, req)
		if err != nil {
			if loopCtx.Err() != nil {
				// Deliver something so the parked exchange resolves before we
				// tear down.
				o.forceStop(srv, req, res)
				if ctx.Err() != nil {
					return StopCanceled
				}
				return StopDeadline
			}
			o.logger.Warnw("generation failed", "request_id", req.ID, "err", err)
			resp = &proxy.ModelResponse{RequestID: req.ID, Text: "", Reason: proxy.ReasonError}
		}
		o.deliver(srv, req, resp, res)

		steps++
		turns += countAgentTurns(req.Turns)
	}
}

// budgetExceeded reports whether servicing this request would breach a
// budget, and which one. Checked before generation so the budgeted request
// itself receives the forced stop.
func (o *Orchestrator) budgetExceeded(steps, turns int, req *proxy.ModelRequest, deadline time.Time) (bool, StopCause) {
	switch {
	case steps >= o.opts.MaxSteps:
		return true, StopMaxSteps
	case turns+countAgentTurns(req.Turns) > o.opts.MaxTurns:
		return true, StopMaxTurns
	case !time.Now().Before(deadline):
		return true, StopDeadline
	default:
		return false, ""
	}
}

// countAgentTurns counts the conversation turns the agent itself has taken.
func countAgentTurns(ts []proxy.Turn) int {
	n := 0
	for _, t := range ts {
		if t.Role == "assistant" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// forceStop resolves a parked exchange with a synthesized clean completion.
func (o *Orchestrator) forceStop(srv *proxy.Server, req *proxy.ModelRequest, res *Result) {
	resp := &proxy.ModelResponse{RequestID: req.ID, Text: forcedStopText, Reason: proxy.ReasonStop}
	o.deliver(srv, req, resp, res)
	o.logger.Infow("forced stop delivered", "request_id", req.ID)
}

// deliver hands the answer to the parked HTTP exchange and records the step.
// A stale delivery (the waiter timed out or vanished) is logged, never fatal.
func (o *Orchestrator) deliver(srv *proxy.Server, req *proxy.ModelRequest, resp *proxy.ModelResponse, res *Result) {
	if err := srv.Registry().Deliver(req.ID, resp); err != nil {
		o.logger.Warnw("response had no waiter", "request_id", req.ID, "err", err)
	}
	res.Trajectory = append(res.Trajectory, Step{
		RequestID: req.ID,
		Turns:     req.Turns,
		Response:  resp.Text,
		Reason:    resp.Reason,
		At:        time.Now().UTC(),
	})
}

// finalize extracts and scores the artifact, then persists the trajectory
// snapshot. Extraction and snapshot failures degrade the result, never the
// episode.
func (o *Orchestrator) finalize(res *Result) {
	text, strategy, err := o.opts.Extractor.Extract(o.opts.Workdir, o.opts.OutputDir, o.id)
	if err != nil {
		o.logger.Warnw("patch extraction failed", "err", err)
		text, strategy = "", patch.StrategyNone
	}
	res.Patch = text
	res.PatchStrategy = strategy
	res.PatchDigest = artifactDigest(text)
	res.Score = o.opts.Scorer.Score(text, o.opts.ExpectedPatch)

	if o.opts.OutputDir != "" {
		if err := writeSnapshot(o.opts.OutputDir, res); err != nil {
			o.logger.Warnw("trajectory snapshot failed", "err", err)
		}
	}
}

// defaultExtractor runs the artifact-file-then-git-diff strategy chain.
// Artifact files are named after the task when one is known.
type defaultExtractor struct {
	globs      []string
	instanceID string
}

func (d defaultExtractor) Extract(repoPath, outputDir, episodeID string) (string, patch.Strategy, error) {
	instance := d.instanceID
	if instance == "" {
		instance = episodeID
	}
	ex := &patch.Extractor{
		OutputDir:    outputDir,
		InstanceID:   instance,
		RepoPath:     repoPath,
		ExcludeGlobs: d.globs,
	}
	return ex.Extract()
}

// defaultScorer applies the tiered patch-overlap reward.
type defaultScorer struct{}

func (defaultScorer) Score(generated, expected string) float64 {
	return reward.Score(generated, expected)
}
