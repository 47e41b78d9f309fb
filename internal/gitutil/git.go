package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

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
	// Disable Git's background auto-maintenance to keep checkout latency
	// predictable and to avoid spawning long-running helper processes while
	// the orchestrator is cycling worktrees through revisions.
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

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RevParse resolves an arbitrary revision expression to a full commit hash.
func RevParse(dir, rev string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TreeID returns the hash of the tree object a revision points at. Two
// commits that differ only in metadata (message, author, committer dates)
// share a tree id.
func TreeID(dir, rev string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", rev+"^{tree}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RevList enumerates base..head, newest first, as full commit hashes.
// The base commit itself is excluded.
func RevList(dir, base, head string) ([]string, error) {
	out, _, err := runGit(dir, "rev-list", base+".."+head)
	if err != nil {
		return nil, err
	}
	var revs []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			revs = append(revs, trimmed)
		}
	}
	return revs, nil
}

// AddWorktree registers a new detached worktree at worktreeDir. The worktree
// starts at HEAD; callers follow up with CheckoutDetached to position it.
func AddWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "add", "--detach", worktreeDir)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// CheckoutDetached forces the worktree onto the given commit. Leftover
// modifications from a previous occupant are overwritten for tracked files;
// untracked files survive, which is the documented contract for test
// commands that want a pristine tree to clean up first.
func CheckoutDetached(worktreeDir, sha string) error {
	_, _, err := runGit(worktreeDir, "checkout", "--force", "--detach", sha)
	return err
}
