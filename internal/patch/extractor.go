// Package patch extracts the unified-diff artifact an episode produced.
// Strategies are tried in order: an explicit patch artifact written by the
// agent, then a git diff of the working repo against its baseline, then none.
// Absence of a patch is a valid outcome, not an error.
package patch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/avolkov/swebroker/internal/gitutil"
	"github.com/avolkov/swebroker/internal/logging"
)

// Strategy names which extraction path produced the patch.
type Strategy string

const (
	StrategyArtifact Strategy = "artifact_file"
	StrategyGitDiff  Strategy = "git_diff"
	StrategyNone     Strategy = "none"
)

// Extractor locates an episode's patch.
type Extractor struct {
	// OutputDir is where the agent writes result artifacts (*.patch).
	OutputDir string

	// InstanceID selects <InstanceID>.patch when several artifacts exist.
	InstanceID string

	// RepoPath is the working repository the agent modified.
	RepoPath string

	// BaselineRef diffs against a specific ref instead of HEAD when set.
	BaselineRef string

	// ExcludeGlobs drops matching file diffs from git-diff extraction
	// (agent scratch files, caches).
	ExcludeGlobs []string

	Logger *zap.SugaredLogger
}

func (e *Extractor) logger() *zap.SugaredLogger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

// Extract returns the patch text and the strategy that found it. An empty
// patch with StrategyNone means the episode produced no artifact.
func (e *Extractor) Extract() (string, Strategy, error) {
	if p := e.fromArtifactFile(); p != "" {
		return p, StrategyArtifact, nil
	}
	if p, err := e.fromGitDiff(); err != nil {
		// A broken repo is salvageable as "no artifact"; report the cause.
		e.logger().Warnw("git diff extraction failed", "repo", e.RepoPath, "err", err)
	} else if p != "" {
		return p, StrategyGitDiff, nil
	}
	return "", StrategyNone, nil
}

// fromArtifactFile walks OutputDir for *.patch files, preferring the one
// named after the instance, otherwise the most recently modified.
func (e *Extractor) fromArtifactFile() string {
	if e.OutputDir == "" {
		return ""
	}
	var exact string
	var newest string
	var newestAt time.Time
	_ = filepath.WalkDir(e.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".patch") {
			return nil
		}
		if e.InstanceID != "" && d.Name() == e.InstanceID+".patch" {
			exact = path
			return nil
		}
		if info, ierr := d.Info(); ierr == nil && (newest == "" || info.ModTime().After(newestAt)) {
			newest = path
			newestAt = info.ModTime()
		}
		return nil
	})
	candidate := exact
	if candidate == "" {
		candidate = newest
	}
	if candidate == "" {
		return ""
	}
	b, err := os.ReadFile(candidate)
	if err != nil {
		e.logger().Warnw("cannot read patch artifact", "path", candidate, "err", err)
		return ""
	}
	if strings.TrimSpace(string(b)) == "" {
		return ""
	}
	e.logger().Debugw("patch extracted from artifact", "path", candidate)
	return string(b)
}

func (e *Extractor) fromGitDiff() (string, error) {
	if e.RepoPath == "" || !gitutil.IsRepo(e.RepoPath) || !gitutil.HasCommits(e.RepoPath) {
		return "", nil
	}
	if err := gitutil.TrackUntracked(e.RepoPath); err != nil {
		return "", err
	}
	var diff string
	var err error
	if e.BaselineRef != "" {
		diff, err = gitutil.DiffAgainst(e.RepoPath, e.BaselineRef)
	} else {
		diff, err = gitutil.DiffHead(e.RepoPath)
	}
	if err != nil {
		return "", err
	}
	diff = filterExcluded(diff, e.ExcludeGlobs)
	if strings.TrimSpace(diff) == "" {
		return "", nil
	}
	return diff, nil
}

// filterExcluded drops per-file diff sections whose path matches any glob.
func filterExcluded(diff string, globs []string) string {
	if len(globs) == 0 || diff == "" {
		return diff
	}
	var out strings.Builder
	for _, section := range splitFileSections(diff) {
		if excluded(sectionPath(section), globs) {
			continue
		}
		out.WriteString(section)
	}
	return out.String()
}

// splitFileSections cuts a unified diff at each "diff --git" header.
func splitFileSections(diff string) []string {
	const header = "diff --git "
	var sections []string
	lines := strings.SplitAfter(diff, "\n")
	var cur strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, header) && cur.Len() > 0 {
			sections = append(sections, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		sections = append(sections, cur.String())
	}
	return sections
}

// sectionPath pulls the b/ path out of a "diff --git a/x b/y" header line.
func sectionPath(section string) string {
	line, _, _ := strings.Cut(section, "\n")
	idx := strings.LastIndex(line, " b/")
	if idx < 0 {
		return ""
	}
	return line[idx+len(" b/"):]
}

func excluded(path string, globs []string) bool {
	if path == "" {
		return false
	}
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}
