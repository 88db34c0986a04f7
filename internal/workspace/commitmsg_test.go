package workspace

import (
	"os/exec"
	"slices"
	"testing"
)

func TestClaudeCommitMessageNilWithoutBinary(t *testing.T) {
	fn := ClaudeCommitMessage()
	if _, err := exec.LookPath("claude"); err != nil {
		if fn != nil {
			t.Error("expected nil func when claude is not installed")
		}
		return
	}
	if fn == nil {
		t.Error("expected non-nil func when claude is installed")
	}
}

func TestScrubEnv(t *testing.T) {
	env := []string{"PATH=/bin", "CLAUDECODE=1", "CLAUDECODE_EXTRA=keep", "HOME=/root"}
	got := scrubEnv(env, "CLAUDECODE")
	want := []string{"PATH=/bin", "CLAUDECODE_EXTRA=keep", "HOME=/root"}
	if !slices.Equal(got, want) {
		t.Errorf("scrubEnv = %v, want %v", got, want)
	}
}
