package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// commitMsgTimeout bounds one message-generation call.
const commitMsgTimeout = 30 * time.Second

// ClaudeCommitMessage returns a CommitMessageFunc that asks the claude
// CLI for a one-line message derived from the staged name-status
// listing. Returns nil when the binary is not installed so callers fall
// back to the plain message.
func ClaudeCommitMessage() CommitMessageFunc {
	path, err := exec.LookPath("claude")
	if err != nil {
		return nil
	}

	return func(ctx context.Context, nameStatus string) (string, error) {
		nameStatus = strings.TrimSpace(nameStatus)
		if nameStatus == "" {
			return "", fmt.Errorf("empty diff listing")
		}
		if len(nameStatus) > 4000 {
			nameStatus = nameStatus[:4000]
		}

		prompt := "Based on the following staged git changes, write a concise commit message " +
			"(single line, max 72 chars, imperative mood, no quotes). " +
			"Just output the message, nothing else.\n\n" + nameStatus

		runCtx, cancel := context.WithTimeout(ctx, commitMsgTimeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, path, "-p", prompt)
		// A nested claude invocation refuses to start when it thinks it
		// is already inside a claude session.
		cmd.Env = scrubEnv(os.Environ(), "CLAUDECODE")

		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("claude commit message: %w", err)
		}

		msg, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
		msg = strings.Trim(msg, `"'`)
		if msg == "" {
			return "", fmt.Errorf("empty commit message")
		}
		if len(msg) > 72 {
			msg = msg[:72]
		}
		return msg, nil
	}
}

// scrubEnv returns env without the named variable.
func scrubEnv(env []string, name string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, name+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
