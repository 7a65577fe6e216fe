// Package episode drives one end-to-end run of the agent process against one
// task: proxy up, agent up, requests pumped through the generation engine,
// budgets enforced, patch extracted and scored.
package episode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/patch"
	"github.com/avolkov/swebroker/internal/proxy"
	"github.com/avolkov/swebroker/internal/supervisor"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// StopCause records why the Running loop ended.
type StopCause string

const (
	StopSessionEnd StopCause = "session_end"
	StopMaxSteps   StopCause = "max_steps"
	StopMaxTurns   StopCause = "max_turns"
	StopDeadline   StopCause = "deadline"
	StopAgentCrash StopCause = "agent_crash"
	StopCanceled   StopCause = "canceled"
)

// Step is one request/response pair in the trajectory.
type Step struct {
	RequestID string                 `json:"request_id" msgpack:"request_id"`
	Turns     []proxy.Turn           `json:"turns" msgpack:"turns"`
	Response  string                 `json:"response" msgpack:"response"`
	Reason    proxy.CompletionReason `json:"reason" msgpack:"reason"`
	At        time.Time              `json:"at" msgpack:"at"`
}

// Result is what an episode hands back to the training caller.
type Result struct {
	EpisodeID     string         `json:"episode_id" msgpack:"episode_id"`
	TaskID        string         `json:"task_id" msgpack:"task_id"`
	State         State          `json:"state" msgpack:"state"`
	StopCause     StopCause      `json:"stop_cause" msgpack:"stop_cause"`
	Trajectory    []Step         `json:"trajectory" msgpack:"trajectory"`
	Patch         string         `json:"patch,omitempty" msgpack:"patch"`
	PatchStrategy patch.Strategy `json:"patch_strategy" msgpack:"patch_strategy"`
	// PatchDigest is the hex blake3 digest of the patch, empty when none.
	PatchDigest     string  `json:"patch_digest,omitempty" msgpack:"patch_digest"`
	Score           float64 `json:"score" msgpack:"score"`
	AgentExitCode   int     `json:"agent_exit_code" msgpack:"agent_exit_code"`
	StaleDeliveries uint64  `json:"stale_deliveries" msgpack:"stale_deliveries"`
}

// Generator is the external generation engine: it may batch and schedule on
// its own; from here it is an opaque blocking call.
type Generator interface {
	Generate(ctx context.Context, req *proxy.ModelRequest) (*proxy.ModelResponse, error)
}

// PatchExtractor recovers the episode's artifact at finalization.
type PatchExtractor interface {
	Extract(repoPath, outputDir, episodeID string) (string, patch.Strategy, error)
}

// RewardScorer scores the produced artifact against the reference.
type RewardScorer interface {
	Score(generated, expected string) float64
}

// AgentProcess is the supervised subprocess surface; *supervisor.Supervisor
// implements it, tests substitute fakes.
type AgentProcess interface {
	Start(spec supervisor.Spec) error
	IsAlive() bool
	Wait(ctx context.Context) error
	Terminate(grace time.Duration) error
	ExitCode() int
}

// Options configures one episode. Generator is the only required
// collaborator; the rest default to the production implementations.
type Options struct {
	TaskID        string
	ExpectedPatch string

	// Workdir is the repository the agent modifies.
	Workdir string
	// OutputDir receives agent artifacts, process logs, and the trajectory
	// snapshot. Optional.
	OutputDir string

	AgentCommand []string
	AgentAPIKey  string
	AgentEnv     map[string]string

	PreferredPort   int
	PortMaxAttempts int
	RequestTimeout  time.Duration

	MaxSteps      int
	MaxTurns      int
	Deadline      time.Duration
	ShutdownGrace time.Duration

	ExcludeGlobs []string

	Generator Generator
	Extractor PatchExtractor
	Scorer    RewardScorer

	// NewAgentProcess builds the supervised process; defaults to the real
	// supervisor.
	NewAgentProcess func() AgentProcess

	Logger *zap.SugaredLogger
}
