// Package workspace implements per-session git worktree isolation.
//
// Every session gets a dedicated worktree under
// <project>/.afk-worktrees/<session> checked out on branch afk/<session>.
// Completion rebases the branch onto main inside the worktree, removes
// the worktree so the branch is no longer pinned, and fast-forwards main.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrNotARepo is returned when a project path is not a git repository.
	ErrNotARepo = errors.New("not a git repository")
	// ErrWorktreeExists is returned when the worktree path or branch is taken.
	ErrWorktreeExists = errors.New("worktree already exists")
)

// CommitMessageFunc derives a commit message from `git diff --cached
// --name-status` output. Capability plug-ins (e.g. an LLM-backed commit
// helper) may supply one; the fallback is a plain summary.
type CommitMessageFunc func(ctx context.Context, nameStatus string) (string, error)

// BranchPrefix marks branches owned by the supervisor.
const BranchPrefix = "afk/"

// WorktreeDir is the per-project directory holding session worktrees.
const WorktreeDir = ".afk-worktrees"

// Worktree is one entry from the porcelain worktree listing.
type Worktree struct {
	Path   string
	Branch string
}

func runGit(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errb strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err = cmd.Run()
	return strings.TrimSpace(out.String()), strings.TrimSpace(errb.String()), err
}

// IsRepo reports whether path is inside a git repository.
func IsRepo(ctx context.Context, path string) bool {
	_, _, err := runGit(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

// Init creates a git repository at path with an initial empty commit so
// that worktrees can branch off immediately.
func Init(ctx context.Context, path string) error {
	if _, stderr, err := runGit(ctx, path, "init", "-b", "main"); err != nil {
		return fmt.Errorf("git init: %s: %w", stderr, err)
	}
	// A worktree needs at least one commit to branch from. The inline
	// identity keeps this working on hosts without global git config.
	_, _, _ = runGit(ctx, path,
		"-c", "user.name=afk", "-c", "user.email=afk@localhost",
		"commit", "--allow-empty", "-m", "Initial commit")
	return nil
}

// SessionWorktreePath returns the deterministic worktree path for a
// session name within a project.
func SessionWorktreePath(projectPath, sessionName string) string {
	return filepath.Join(projectPath, WorktreeDir, sessionName)
}

// SessionBranch returns the deterministic branch name for a session.
func SessionBranch(sessionName string) string {
	return BranchPrefix + sessionName
}

// CreateWorktree adds a new worktree at worktreePath on a fresh branch.
func CreateWorktree(ctx context.Context, repo, worktreePath, branch string) error {
	if !IsRepo(ctx, repo) {
		return fmt.Errorf("%s: %w", repo, ErrNotARepo)
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return fmt.Errorf("%s: %w", worktreePath, ErrWorktreeExists)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}

	_, stderr, err := runGit(ctx, repo, "worktree", "add", "-b", branch, worktreePath)
	if err != nil {
		if strings.Contains(stderr, "already exists") {
			return fmt.Errorf("branch %s: %w", branch, ErrWorktreeExists)
		}
		return fmt.Errorf("git worktree add: %s: %w", stderr, err)
	}
	slog.Info("created worktree", "path", worktreePath, "branch", branch)
	return nil
}

// RemoveWorktree force-removes a worktree and deletes its branch.
// Best-effort: failures are logged, never returned.
func RemoveWorktree(ctx context.Context, repo, worktreePath, branch string) {
	if _, stderr, err := runGit(ctx, repo, "worktree", "remove", "--force", worktreePath); err != nil {
		slog.Warn("git worktree remove failed", "path", worktreePath, "stderr", stderr)
	}
	if branch != "" {
		if _, stderr, err := runGit(ctx, repo, "branch", "-D", branch); err != nil {
			slog.Warn("git branch -D failed", "branch", branch, "stderr", stderr)
		}
	}
}

// DeleteBranch deletes a merged branch. Best-effort.
func DeleteBranch(ctx context.Context, repo, branch string) {
	if _, stderr, err := runGit(ctx, repo, "branch", "-d", branch); err != nil {
		slog.Warn("git branch -d failed", "branch", branch, "stderr", stderr)
	}
}

// CommitAll stages everything in the worktree (including deletions) and
// commits. Returns hadChanges=false when the tree is clean. When msgFn
// is non-nil it derives the commit message from the staged name-status
// listing; errors from msgFn fall back to the default message.
func CommitAll(ctx context.Context, worktreePath, sessionName string, msgFn CommitMessageFunc) (hadChanges bool, detail string, err error) {
	if _, stderr, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return false, "", fmt.Errorf("git add: %s: %w", stderr, err)
	}

	// Exit 0 = nothing staged.
	if _, _, err := runGit(ctx, worktreePath, "diff", "--cached", "--quiet"); err == nil {
		return false, "no changes", nil
	}

	message := fmt.Sprintf("Session %s changes", sessionName)
	if msgFn != nil {
		nameStatus, _, _ := runGit(ctx, worktreePath, "diff", "--cached", "--name-status")
		if derived, mErr := msgFn(ctx, nameStatus); mErr == nil && derived != "" {
			message = derived
		} else if mErr != nil {
			slog.Warn("commit message fn failed, using fallback", "error", mErr)
		}
	}

	stdout, stderr, err := runGit(ctx, worktreePath, "commit", "-m", message)
	if err != nil {
		return false, "", fmt.Errorf("git commit: %s: %w", stderr, err)
	}
	slog.Info("committed worktree changes", "session", sessionName)
	return true, stdout, nil
}

// RebaseThenFastForward merges a session branch into main.
//
// Ordering is a contract: the rebase must run inside the worktree
// (rebasing from the main checkout fails with "branch is already used
// by worktree"), the worktree must be removed before the fast-forward
// (the branch is pinned while checked out), and any partial main-side
// merge is aborted first so the fast-forward starts clean.
//
// On rebase failure the rebase is aborted and (false, detail) is
// returned with the worktree left intact so the session stays usable.
func RebaseThenFastForward(ctx context.Context, repo, branch, worktreePath string) (bool, string) {
	// Clear any rebase left half-done by a previous crash.
	_, _, _ = runGit(ctx, worktreePath, "rebase", "--abort")

	if stdout, stderr, err := runGit(ctx, worktreePath, "rebase", "main"); err != nil {
		_, _, _ = runGit(ctx, worktreePath, "rebase", "--abort")
		if stderr != "" {
			return false, stderr
		}
		return false, stdout
	}

	// Unpin the branch, then fast-forward main.
	if _, stderr, err := runGit(ctx, repo, "worktree", "remove", "--force", worktreePath); err != nil {
		slog.Warn("git worktree remove failed", "path", worktreePath, "stderr", stderr)
	}
	_, _, _ = runGit(ctx, repo, "merge", "--abort")

	stdout, stderr, err := runGit(ctx, repo, "merge", "--ff-only", branch)
	if err != nil {
		if stderr != "" {
			return false, stderr
		}
		return false, stdout
	}
	return true, stdout
}

// ListAFKWorktrees parses `git worktree list --porcelain` and returns
// entries whose branch carries the supervisor prefix.
func ListAFKWorktrees(ctx context.Context, repo string) ([]Worktree, error) {
	stdout, stderr, err := runGit(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %s: %w", stderr, err)
	}

	var (
		result  []Worktree
		current Worktree
	)
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
			if strings.HasPrefix(current.Branch, BranchPrefix) {
				result = append(result, current)
			}
		case line == "":
			current = Worktree{}
		}
	}
	return result, nil
}
