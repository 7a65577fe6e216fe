// Package gitutil shells out to git for the small surface patch extraction
// needs. No go-git dependency: the working repos belong to the agent process
// and plain git matches what it ran against them.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full context of a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Auto-maintenance would spawn background helpers under the episode
	// workdir; keep extraction deterministic.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// HasCommits reports whether HEAD resolves to a commit. A freshly initialized
// repo has no HEAD to diff against.
func HasCommits(dir string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "HEAD")
	return err == nil
}

// HeadSHA returns the commit SHA HEAD points at.
func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TrackUntracked registers untracked files with intent-to-add so DiffHead
// sees files the agent created, without staging their content.
func TrackUntracked(dir string) error {
	_, _, err := runGit(dir, "add", "--intent-to-add", "-A")
	return err
}

// DiffHead returns the unified diff of the work tree against HEAD.
func DiffHead(dir string) (string, error) {
	out, _, err := runGit(dir, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffAgainst returns the unified diff of the work tree against baseRef.
func DiffAgainst(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", baseRef)
	if err != nil {
		return "", err
	}
	return out, nil
}
