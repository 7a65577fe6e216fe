// Package batch fans a set of tasks out over a bounded pool of episode
// workers. Each episode owns its proxy, port, and agent process; nothing is
// shared between slots, so failures stay contained to their task.
package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/episode"
	"github.com/avolkov/swebroker/internal/logging"
	"github.com/avolkov/swebroker/internal/proxy"
)

// Task is one unit of work: a repository to modify and the reference patch
// to score against.
type Task struct {
	ID            string
	Workdir       string
	ExpectedPatch string
}

// Outcome pairs a task with its episode result. Err is set only for startup
// failures or cancellation; a zero-score episode is a valid outcome.
type Outcome struct {
	Task   Task
	Result *episode.Result
	Err    error
}

// Runner executes tasks with at most Concurrency episodes in flight.
type Runner struct {
	// Concurrency bounds in-flight episodes; values below 1 mean serial.
	Concurrency int

	// Options is the per-episode template; TaskID, Workdir, and
	// ExpectedPatch are filled from each task.
	Options episode.Options

	Logger *zap.SugaredLogger
}

func (r *Runner) logger() *zap.SugaredLogger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

// Run executes all tasks and returns outcomes in task order. Cancelling ctx
// stops picking up new tasks and aborts running episodes; the slice always
// has one outcome per task.
func (r *Runner) Run(ctx context.Context, tasks []Task) []Outcome {
	workers := r.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if r.Options.PreferredPort != proxy.PortAny && workers > 1 {
		r.logger().Warnw("fixed preferred port with concurrent episodes; later slots will fall back",
			"preferred_port", r.Options.PreferredPort, "workers", workers)
	}

	outcomes := make([]Outcome, len(tasks))
	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				outcomes[i] = r.runOne(ctx, tasks[i])
			}
		}()
	}

	for i := range tasks {
		if ctx.Err() != nil {
			outcomes[i] = Outcome{Task: tasks[i], Err: ctx.Err()}
			continue
		}
		idx <- i
	}
	close(idx)
	wg.Wait()
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, t Task) Outcome {
	opts := r.Options
	opts.TaskID = t.ID
	opts.Workdir = t.Workdir
	opts.ExpectedPatch = t.ExpectedPatch
	if opts.Logger == nil {
		opts.Logger = r.logger()
	}

	orc, err := episode.New(opts)
	if err != nil {
		return Outcome{Task: t, Err: err}
	}
	res, err := orc.Run(ctx)
	if err != nil {
		r.logger().Warnw("episode failed", "task_id", t.ID, "err", err)
	}
	return Outcome{Task: t, Result: res, Err: err}
}

// Summary aggregates a batch for reporting.
type Summary struct {
	Total      int
	Completed  int
	Failed     int
	MeanScore  float64
	StopCauses map[episode.StopCause]int
}

// Summarize folds outcomes into per-batch counts. MeanScore averages over
// completed episodes only.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), StopCauses: make(map[episode.StopCause]int)}
	var sum float64
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil || o.Result.State != episode.StateDone {
			s.Failed++
			continue
		}
		s.Completed++
		sum += o.Result.Score
		s.StopCauses[o.Result.StopCause]++
	}
	if s.Completed > 0 {
		s.MeanScore = sum / float64(s.Completed)
	}
	return s
}
