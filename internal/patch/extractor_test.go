package patch

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestExtractPrefersArtifactFile(t *testing.T) {
	out := t.TempDir()
	repo := initRepo(t)
	// Dirty repo AND an artifact; the artifact wins.
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	artifact := "diff --git a/main.go b/main.go\n--- a/main.go\n+++ b/main.go\n@@ -1 +1,3 @@\n"
	if err := os.WriteFile(filepath.Join(out, "task-1.patch"), []byte(artifact), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	e := &Extractor{OutputDir: out, InstanceID: "task-1", RepoPath: repo}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyArtifact {
		t.Fatalf("strategy = %s, want artifact_file", strategy)
	}
	if text != artifact {
		t.Fatalf("text = %q", text)
	}
}

func TestExtractPicksInstanceArtifactOverNewer(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, "task-7.patch"), []byte("diff --git a/x b/x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(out, "other.patch"), []byte("diff --git a/y b/y\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := &Extractor{OutputDir: out, InstanceID: "task-7"}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyArtifact || !strings.Contains(text, "a/x") {
		t.Fatalf("got strategy %s, text %q", strategy, text)
	}
}

func TestExtractFallsBackToGitDiff(t *testing.T) {
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// New untracked file must show up in the diff too.
	if err := os.WriteFile(filepath.Join(repo, "helper.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := &Extractor{OutputDir: t.TempDir(), RepoPath: repo}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyGitDiff {
		t.Fatalf("strategy = %s, want git_diff", strategy)
	}
	if !strings.Contains(text, "main.go") || !strings.Contains(text, "helper.go") {
		t.Fatalf("diff missing files:\n%s", text)
	}
}

func TestExtractExcludesGlobs(t *testing.T) {
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(repo, ".scratch"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo, ".scratch", "notes.txt"), []byte("tmp\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := &Extractor{RepoPath: repo, ExcludeGlobs: []string{".scratch/**"}}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyGitDiff {
		t.Fatalf("strategy = %s", strategy)
	}
	if strings.Contains(text, "notes.txt") {
		t.Fatalf("excluded file leaked into diff:\n%s", text)
	}
	if !strings.Contains(text, "main.go") {
		t.Fatalf("wanted file missing:\n%s", text)
	}
}

func TestExtractNothingProduced(t *testing.T) {
	e := &Extractor{OutputDir: t.TempDir(), RepoPath: initRepo(t)}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyNone || text != "" {
		t.Fatalf("got strategy %s, text %q; want none, empty", strategy, text)
	}
}

func TestExtractNonRepoWorkdir(t *testing.T) {
	e := &Extractor{RepoPath: t.TempDir()}
	text, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyNone || text != "" {
		t.Fatalf("got strategy %s, text %q", strategy, text)
	}
}

func TestExtractIgnoresEmptyArtifact(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, "empty.patch"), []byte("  \n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := &Extractor{OutputDir: out}
	_, strategy, err := e.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strategy != StrategyNone {
		t.Fatalf("strategy = %s, want none", strategy)
	}
}

func TestSplitFileSections(t *testing.T) {
	diff := "diff --git a/one b/one\n--- a/one\n+++ b/one\ndiff --git a/two b/two\n--- a/two\n+++ b/two\n"
	sections := splitFileSections(diff)
	if len(sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(sections))
	}
	if sectionPath(sections[0]) != "one" || sectionPath(sections[1]) != "two" {
		t.Fatalf("paths = %q, %q", sectionPath(sections[0]), sectionPath(sections[1]))
	}
}
