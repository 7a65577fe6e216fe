package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/avolkov/swebroker/internal/batch"
	"github.com/avolkov/swebroker/internal/config"
	"github.com/avolkov/swebroker/internal/episode"
	"github.com/avolkov/swebroker/internal/generate"
	"github.com/avolkov/swebroker/internal/logging"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "version":
		fmt.Printf("swebroker %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  swebroker run --config <run.yaml> --upstream <base_url> [--upstream-model <model>] (--tasks <tasks.json> | --task <id> --workdir <dir> [--expected-patch <file>]) [--concurrency <n>]")
	fmt.Fprintln(os.Stderr, "  swebroker validate --config <run.yaml>")
	fmt.Fprintln(os.Stderr, "  swebroker version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "env: UPSTREAM_API_KEY is sent to the upstream endpoint when set")
}

// taskSpec is one entry of a --tasks file.
type taskSpec struct {
	ID                string `json:"id"`
	Workdir           string `json:"workdir"`
	ExpectedPatchPath string `json:"expected_patch_path,omitempty"`
}

func runCmd(args []string) {
	var configPath string
	var tasksPath string
	var taskID string
	var workdir string
	var expectedPatchPath string
	var upstream string
	var upstreamModel string
	concurrency := 1

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--tasks":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tasks requires a value")
				os.Exit(1)
			}
			tasksPath = args[i]
		case "--task":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			taskID = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workdir requires a value")
				os.Exit(1)
			}
			workdir = args[i]
		case "--expected-patch":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--expected-patch requires a value")
				os.Exit(1)
			}
			expectedPatchPath = args[i]
		case "--upstream":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--upstream requires a value")
				os.Exit(1)
			}
			upstream = args[i]
		case "--upstream-model":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--upstream-model requires a value")
				os.Exit(1)
			}
			upstreamModel = args[i]
		case "--concurrency":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--concurrency requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "--concurrency %q is not a positive integer\n", args[i])
				os.Exit(1)
			}
			concurrency = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" || upstream == "" {
		usage()
		os.Exit(1)
	}
	if tasksPath == "" && (taskID == "" || workdir == "") {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Level(cfg.Logging.Level))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	tasks, err := loadTasks(cfg, tasksPath, taskID, workdir, expectedPatchPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	gen := &generate.Upstream{
		BaseURL: upstream,
		APIKey:  os.Getenv("UPSTREAM_API_KEY"),
		Model:   upstreamModel,
		Logger:  logger,
	}

	runner := &batch.Runner{
		Concurrency: concurrency,
		Options: episode.Options{
			OutputDir:       cfg.OutputDir,
			AgentCommand:    cfg.Agent.Command,
			AgentAPIKey:     cfg.Agent.APIKey,
			AgentEnv:        cfg.Agent.Env,
			PreferredPort:   cfg.PreferredPort,
			PortMaxAttempts: cfg.PortMaxAttempts,
			RequestTimeout:  cfg.RequestTimeout(),
			MaxSteps:        cfg.MaxSteps,
			MaxTurns:        cfg.MaxTurns,
			Deadline:        cfg.Deadline(),
			ShutdownGrace:   cfg.ShutdownGrace(),
			ExcludeGlobs:    cfg.ExcludeGlobs,
			Generator:       gen,
			Logger:          logger,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := runner.Run(ctx, tasks)
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil {
			fmt.Printf("task=%s state=failed err=%v\n", o.Task.ID, o.Err)
			continue
		}
		fmt.Printf("task=%s episode=%s state=%s stop_cause=%s steps=%d strategy=%s score=%.3f\n",
			o.Task.ID, o.Result.EpisodeID, o.Result.State, o.Result.StopCause,
			len(o.Result.Trajectory), o.Result.PatchStrategy, o.Result.Score)
	}

	s := batch.Summarize(outcomes)
	fmt.Printf("total=%d completed=%d failed=%d mean_score=%.3f\n", s.Total, s.Completed, s.Failed, s.MeanScore)
	if s.Failed > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}

// loadTasks builds the task list from either a tasks file or the single-task
// flags. Relative workdirs are resolved against the configured root.
func loadTasks(cfg *config.Config, tasksPath, taskID, workdir, expectedPatchPath string) ([]batch.Task, error) {
	var specs []taskSpec
	if tasksPath != "" {
		b, err := os.ReadFile(tasksPath)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&specs); err != nil {
			return nil, fmt.Errorf("tasks file %s: %w", tasksPath, err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			return nil, fmt.Errorf("tasks file %s: trailing content", tasksPath)
		}
	} else {
		specs = []taskSpec{{ID: taskID, Workdir: workdir, ExpectedPatchPath: expectedPatchPath}}
	}

	tasks := make([]batch.Task, 0, len(specs))
	for i, s := range specs {
		if s.ID == "" || s.Workdir == "" {
			return nil, fmt.Errorf("task %d: id and workdir are required", i)
		}
		dir := s.Workdir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.WorkdirRoot, dir)
		}
		var expected string
		if s.ExpectedPatchPath != "" {
			b, err := os.ReadFile(s.ExpectedPatchPath)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", s.ID, err)
			}
			expected = string(b)
		}
		tasks = append(tasks, batch.Task{ID: s.ID, Workdir: dir, ExpectedPatch: expected})
	}
	return tasks, nil
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", filepath.Base(configPath))
	os.Exit(0)
}
