package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	if err := Init(context.Background(), dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	gitCfg(t, dir, "user.name", "test")
	gitCfg(t, dir, "user.email", "test@localhost")
	return dir
}

func gitCfg(t *testing.T, dir, key, value string) {
	t.Helper()
	cmd := exec.Command("git", "config", key, value)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git config %s: %v\n%s", key, err, out)
	}
}

func TestInitAndIsRepo(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if !IsRepo(ctx, repo) {
		t.Error("IsRepo = false for initialized repo")
	}
	if IsRepo(ctx, t.TempDir()) {
		t.Error("IsRepo = true for plain directory")
	}
}

func TestSessionPaths(t *testing.T) {
	wt := SessionWorktreePath("/repo", "demo-1")
	if wt != filepath.Join("/repo", WorktreeDir, "demo-1") {
		t.Errorf("SessionWorktreePath = %q", wt)
	}
	if got := SessionBranch("demo-1"); got != "afk/demo-1" {
		t.Errorf("SessionBranch = %q", got)
	}
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s1")
	branch := SessionBranch("s1")

	if err := CreateWorktree(ctx, repo, wt, branch); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if !IsRepo(ctx, wt) {
		t.Error("worktree is not a checkout")
	}
	if err := CreateWorktree(ctx, repo, wt, branch); !errors.Is(err, ErrWorktreeExists) {
		t.Errorf("duplicate CreateWorktree err = %v, want ErrWorktreeExists", err)
	}

	RemoveWorktree(ctx, repo, wt, branch)
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree still present: %v", err)
	}
	// Branch is gone too, so the name is reusable.
	if err := CreateWorktree(ctx, repo, wt, branch); err != nil {
		t.Errorf("recreate after remove: %v", err)
	}
}

func TestCreateWorktreeRejectsNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	err := CreateWorktree(context.Background(), dir, filepath.Join(dir, "wt"), "afk/x")
	if !errors.Is(err, ErrNotARepo) {
		t.Errorf("err = %v, want ErrNotARepo", err)
	}
}

func TestCommitAll(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s1")
	if err := CreateWorktree(ctx, repo, wt, SessionBranch("s1")); err != nil {
		t.Fatal(err)
	}

	had, detail, err := CommitAll(ctx, wt, "s1", nil)
	if err != nil || had {
		t.Errorf("clean tree: had=%v detail=%q err=%v", had, detail, err)
	}

	if err := os.WriteFile(filepath.Join(wt, "a.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	had, _, err = CommitAll(ctx, wt, "s1", nil)
	if err != nil || !had {
		t.Fatalf("dirty tree: had=%v err=%v", had, err)
	}
}

func TestCommitAllUsesMessageFunc(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s1")
	if err := CreateWorktree(ctx, repo, wt, SessionBranch("s1")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, "a.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var sawNameStatus string
	msgFn := func(_ context.Context, nameStatus string) (string, error) {
		sawNameStatus = nameStatus
		return "Add a.txt", nil
	}
	if _, _, err := CommitAll(ctx, wt, "s1", msgFn); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if !strings.Contains(sawNameStatus, "a.txt") {
		t.Errorf("name-status = %q, want a.txt listed", sawNameStatus)
	}

	subject, _, err := runGit(ctx, wt, "log", "-1", "--format=%s")
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Add a.txt" {
		t.Errorf("commit subject = %q", subject)
	}
}

func TestCommitAllFallsBackWhenMessageFuncFails(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s2")
	if err := CreateWorktree(ctx, repo, wt, SessionBranch("s2")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, "b.txt"), []byte("y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgFn := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("model unavailable")
	}
	if _, _, err := CommitAll(ctx, wt, "s2", msgFn); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	subject, _, err := runGit(ctx, wt, "log", "-1", "--format=%s")
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Session s2 changes" {
		t.Errorf("commit subject = %q, want fallback", subject)
	}
}

func TestRebaseThenFastForward(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s1")
	branch := SessionBranch("s1")
	if err := CreateWorktree(ctx, repo, wt, branch); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(wt, "feature.txt"), []byte("f\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := CommitAll(ctx, wt, "s1", nil); err != nil {
		t.Fatal(err)
	}

	merged, detail := RebaseThenFastForward(ctx, repo, branch, wt)
	if !merged {
		t.Fatalf("merge failed: %s", detail)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("main checkout missing merged file: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree survived the merge: %v", err)
	}
	DeleteBranch(ctx, repo, branch)
}

func TestRebaseConflictLeavesWorktree(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	wt := SessionWorktreePath(repo, "s1")
	branch := SessionBranch("s1")
	if err := CreateWorktree(ctx, repo, wt, branch); err != nil {
		t.Fatal(err)
	}

	// Same file, both sides.
	if err := os.WriteFile(filepath.Join(repo, "c.txt"), []byte("main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runGit(ctx, repo, "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, stderr, err := runGit(ctx, repo, "commit", "-m", "main side"); err != nil {
		t.Fatalf("commit: %s: %v", stderr, err)
	}
	if err := os.WriteFile(filepath.Join(wt, "c.txt"), []byte("session\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := CommitAll(ctx, wt, "s1", nil); err != nil {
		t.Fatal(err)
	}

	merged, detail := RebaseThenFastForward(ctx, repo, branch, wt)
	if merged {
		t.Fatal("merge succeeded despite conflict")
	}
	if detail == "" {
		t.Error("expected conflict detail")
	}
	if _, err := os.Stat(wt); err != nil {
		t.Errorf("worktree removed after failed rebase: %v", err)
	}
	// The aborted rebase leaves the worktree usable for another attempt.
	if !IsRepo(ctx, wt) {
		t.Error("worktree no longer a checkout")
	}
}

func TestListAFKWorktrees(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, name := range []string{"s1", "s2"} {
		if err := CreateWorktree(ctx, repo, SessionWorktreePath(repo, name), SessionBranch(name)); err != nil {
			t.Fatal(err)
		}
	}

	worktrees, err := ListAFKWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("ListAFKWorktrees: %v", err)
	}
	if len(worktrees) != 2 {
		t.Fatalf("got %d worktrees, want 2 (main checkout must be excluded)", len(worktrees))
	}
	for _, wt := range worktrees {
		if !strings.HasPrefix(wt.Branch, BranchPrefix) {
			t.Errorf("branch %q lacks prefix", wt.Branch)
		}
	}
}
