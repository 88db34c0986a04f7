package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/afk/internal/proctrack"
)

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 5 * time.Second

// maxStreamLine bounds one line of agent output (tool results can be large).
const maxStreamLine = 4 * 1024 * 1024

// ClaudeAgent wraps the Claude Code CLI in headless stream-json mode: a
// persistent child with line-delimited JSON on stdin/stdout.
type ClaudeAgent struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     chan RawMessage
	session string
	alive   bool
	tracker *proctrack.Tracker
}

// NewClaudeAgent returns a factory bound to the subprocess tracker.
func NewClaudeAgent(tracker *proctrack.Tracker) Factory {
	return func() Agent {
		return &ClaudeAgent{tracker: tracker}
	}
}

func (a *ClaudeAgent) Name() string { return "claude" }

func (a *ClaudeAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *ClaudeAgent) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive && a.cmd != nil
}

func (a *ClaudeAgent) Start(_ context.Context, workingDir, sessionID, stderrLogPath string) error {
	claudePath, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude CLI not found in PATH: %w", err)
	}

	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if sessionID != "" {
		args = append(args, "--resume", "--session-id", sessionID)
	}

	// The child outlives the caller: sessions created from an HTTP
	// handler or a poll loop keep running after that context ends.
	// Stop owns termination.
	cmd := exec.Command(claudePath, args...)
	cmd.Dir = workingDir
	cmd.Env = scrubEnv("CLAUDECODE")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	slog.Info("starting claude code", "cwd", workingDir, "resume", sessionID != "")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start claude: %w", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.session = sessionID
	a.alive = true
	a.out = make(chan RawMessage, 64)
	a.mu.Unlock()

	a.tracker.Track(cmd.Process.Pid)

	go drainStderr(stderr, stderrLogPath)
	go a.readLoop(stdout)
	return nil
}

// readLoop decodes stdout lines into RawMessages until EOF, then closes
// the response channel.
func (a *ClaudeAgent) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, err := DecodeRawMessage([]byte(line))
		if err != nil {
			slog.Warn("non-JSON output from claude", "line", truncate(line, 200))
			continue
		}

		if msg.Type == TypeSystem && msg.SessionID != "" {
			a.mu.Lock()
			a.session = msg.SessionID
			a.mu.Unlock()
			slog.Info("claude session id captured", "session_id", msg.SessionID)
		}
		a.out <- msg
	}

	a.mu.Lock()
	a.alive = false
	out := a.out
	a.mu.Unlock()
	close(out)
}

func (a *ClaudeAgent) SendMessage(text string) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("claude process not started")
	}

	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
	return writeJSONLine(stdin, payload)
}

func (a *ClaudeAgent) SendPermissionResponse(requestID string, allowed bool) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("claude process not started")
	}

	return writeJSONLine(stdin, map[string]any{
		"type":    "permission_response",
		"id":      requestID,
		"allowed": allowed,
	})
}

func (a *ClaudeAgent) Responses() <-chan RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out
}

func (a *ClaudeAgent) Stop() error {
	a.mu.Lock()
	cmd := a.cmd
	a.alive = false
	a.cmd = nil
	a.stdin = nil
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	defer a.tracker.Untrack(cmd.Process.Pid)

	terminateAndReap(cmd)
	slog.Info("claude process stopped")
	return nil
}

// terminateAndReap SIGTERMs a child, waits stopGrace, then SIGKILLs.
func terminateAndReap(cmd *exec.Cmd) {
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// scrubEnv copies the ambient environment minus the named variables.
// The Claude CLI refuses to run when it detects nested execution via
// the CLAUDECODE variable.
func scrubEnv(drop ...string) []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		skip := false
		for _, name := range drop {
			if strings.HasPrefix(kv, name+"=") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}

// drainStderr appends subprocess stderr to a log file line by line.
func drainStderr(stderr io.Reader, logPath string) {
	if logPath == "" {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("failed to open stderr log", "path", logPath, "error", err)
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		_, _ = f.WriteString(scanner.Text() + "\n")
	}
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
