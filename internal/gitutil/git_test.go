package gitutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
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
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	if !IsRepo(initRepo(t)) {
		t.Fatal("initialized repo not detected")
	}
	if IsRepo(t.TempDir()) {
		t.Fatal("plain directory detected as repo")
	}
}

func TestHasCommitsAndHeadSHA(t *testing.T) {
	dir := initRepo(t)
	if !HasCommits(dir) {
		t.Fatal("repo with a commit reported empty")
	}
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("head sha: %v", err)
	}
	if len(sha) != 40 {
		t.Fatalf("sha = %q", sha)
	}
}

func TestHasCommitsEmptyRepo(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	if HasCommits(dir) {
		t.Fatal("empty repo reported as having commits")
	}
}

func TestDiffHeadSeesUntrackedAfterTracking(t *testing.T) {
	dir := initRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("fresh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	diff, err := DiffHead(dir)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if strings.Contains(diff, "new.txt") {
		t.Fatal("untracked file visible before tracking")
	}

	if err := TrackUntracked(dir); err != nil {
		t.Fatalf("track: %v", err)
	}
	diff, err = DiffHead(dir)
	if err != nil {
		t.Fatalf("diff after track: %v", err)
	}
	if !strings.Contains(diff, "new.txt") || !strings.Contains(diff, "+fresh") {
		t.Fatalf("diff missing new file:\n%s", diff)
	}
}

func TestDiffAgainstRef(t *testing.T) {
	dir := initRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("head sha: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	diff, err := DiffAgainst(dir, base)
	if err != nil {
		t.Fatalf("diff against: %v", err)
	}
	if !strings.Contains(diff, "-one") || !strings.Contains(diff, "+two") {
		t.Fatalf("diff content wrong:\n%s", diff)
	}
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	_, err := HeadSHA(t.TempDir())
	if err == nil {
		t.Fatal("head sha outside a repo should fail")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *CommandError", err)
	}
	if ce.Error() == "" {
		t.Fatal("empty error message")
	}
}
