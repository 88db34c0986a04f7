package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/proctrack"
)

// CodexAgent wraps the OpenAI Codex CLI. Codex is fire-and-complete:
// each `codex exec` invocation runs one task and exits, and follow-up
// turns use `codex exec resume --last`. The adapter presents the same
// streaming interface as persistent agents by funneling every child's
// output through an internal channel that outlives individual children.
type CodexAgent struct {
	mu            sync.Mutex
	cmd           *exec.Cmd
	out           chan RawMessage
	session       string // Codex thread id
	started       bool
	firstMessage  bool
	workingDir    string
	stderrLogPath string
	childDone     chan struct{}
	tracker       *proctrack.Tracker
}

// NewCodexAgent returns a factory bound to the subprocess tracker.
func NewCodexAgent(tracker *proctrack.Tracker) Factory {
	return func() Agent {
		return &CodexAgent{tracker: tracker}
	}
}

func (a *CodexAgent) Name() string { return "codex" }

func (a *CodexAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Alive is logical liveness: true between Start and Stop regardless of
// whether a child is currently running.
func (a *CodexAgent) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Start validates the codex binary and emits a synthetic system event
// so the session manager observes readiness the same way it does for
// streaming agents.
func (a *CodexAgent) Start(ctx context.Context, workingDir, sessionID, stderrLogPath string) error {
	if _, err := exec.LookPath("codex"); err != nil {
		return fmt.Errorf("codex CLI not found in PATH: %w", err)
	}

	a.mu.Lock()
	a.workingDir = workingDir
	a.stderrLogPath = stderrLogPath
	a.session = sessionID
	a.started = true
	a.firstMessage = sessionID == ""
	a.out = make(chan RawMessage, 64)
	a.mu.Unlock()

	a.emit(RawMessage{Type: TypeSystem, SessionID: sessionID})
	slog.Info("codex agent ready", "cwd", workingDir)
	return nil
}

// SendMessage spawns one codex exec child for this turn, waiting for
// any previous child to finish first.
func (a *CodexAgent) SendMessage(text string) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return fmt.Errorf("codex agent not started")
	}
	prevDone := a.childDone
	a.mu.Unlock()

	if prevDone != nil {
		<-prevDone
	}

	codexPath, err := exec.LookPath("codex")
	if err != nil {
		return fmt.Errorf("codex CLI not found in PATH: %w", err)
	}

	a.mu.Lock()
	args := []string{"exec"}
	if a.firstMessage {
		args = append(args, text, "--json", "--full-auto")
		a.firstMessage = false
	} else {
		args = append(args, "resume", "--last", text, "--json", "--full-auto")
	}
	workingDir := a.workingDir
	stderrLogPath := a.stderrLogPath
	a.mu.Unlock()

	cmd := exec.Command(codexPath, args...)
	cmd.Dir = workingDir
	cmd.Env = scrubEnv("CODEX_SANDBOX")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	slog.Info("starting codex turn", "cwd", workingDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start codex: %w", err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.cmd = cmd
	a.childDone = done
	a.mu.Unlock()

	a.tracker.Track(cmd.Process.Pid)
	go drainStderr(stderr, stderrLogPath)
	go a.readChild(cmd, stdout, done)
	return nil
}

// SendPermissionResponse is a no-op: codex --full-auto never prompts.
func (a *CodexAgent) SendPermissionResponse(requestID string, allowed bool) error {
	return nil
}

func (a *CodexAgent) Responses() <-chan RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out
}

func (a *CodexAgent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cmd := a.cmd
	a.cmd = nil
	// Closed under the same lock emit sends under, so no send can
	// interleave with the close.
	close(a.out)
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		terminateAndReap(cmd)
		a.tracker.Untrack(pid)
	}
	slog.Info("codex agent stopped")
	return nil
}

// emit sends without blocking while holding the lock; Stop closes the
// channel under the same lock.
func (a *CodexAgent) emit(msg RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	select {
	case a.out <- msg:
	default:
		slog.Warn("codex event queue full, dropping event", "type", msg.Type)
	}
}

// readChild maps one child's NDJSON output onto the shared raw-message
// shapes the session manager understands.
func (a *CodexAgent) readChild(cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = cmd.Wait()
		a.tracker.Untrack(cmd.Process.Pid)
	}()

	start := time.Now()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("non-JSON output from codex", "line", truncate(line, 200))
			continue
		}

		switch ev.Type {
		case "thread.started":
			if ev.ThreadID != "" {
				a.mu.Lock()
				a.session = ev.ThreadID
				a.mu.Unlock()
				slog.Info("codex thread id captured", "thread_id", ev.ThreadID)
			}

		case "item.completed":
			if blocks := mapCodexItem(ev.Item); len(blocks) > 0 {
				a.emit(RawMessage{Type: TypeAssistant, ContentBlocks: blocks, Raw: []byte(line)})
			}

		case "turn.completed":
			a.emit(RawMessage{
				Type:       TypeResult,
				DurationMS: time.Since(start).Milliseconds(),
				Raw:        []byte(line),
			})

		case "turn.failed":
			a.emit(errorMessage(ev.Error, line))

		case "error":
			a.emit(errorMessage(ev.Message, line))
		}
	}
}

type codexEvent struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	Item     codexItem `json:"item"`
	Error    string    `json:"error"`
	Message  string    `json:"message"`
}

type codexItem struct {
	Type             string         `json:"type"`
	Text             string         `json:"text"`
	Command          string         `json:"command"`
	AggregatedOutput string         `json:"aggregated_output"`
	ExitCode         int            `json:"exit_code"`
	ToolName         string         `json:"tool_name"`
	Arguments        map[string]any `json:"arguments"`
	Content          string         `json:"content"`
	Query            string         `json:"query"`
	Changes          []struct {
		Path       string `json:"path"`
		ChangeKind string `json:"change_kind"`
	} `json:"changes"`
}

func errorMessage(detail, raw string) RawMessage {
	if detail == "" {
		detail = "unknown error"
	}
	return RawMessage{
		Type:          TypeAssistant,
		ContentBlocks: []bus.ContentBlock{{Type: "text", Text: "Error: " + detail}},
		Raw:           []byte(raw),
	}
}

// mapCodexItem converts a Codex item to the content-block vocabulary
// renderers expect (text, tool_use, tool_result).
func mapCodexItem(item codexItem) []bus.ContentBlock {
	switch item.Type {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []bus.ContentBlock{{Type: "text", Text: item.Text}}

	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []bus.ContentBlock{{Type: "text", Text: "[reasoning] " + item.Text}}

	case "command_execution":
		return []bus.ContentBlock{
			{Type: "tool_use", Name: "Bash", Input: map[string]any{"command": item.Command}},
			{Type: "tool_result", Content: item.AggregatedOutput, IsError: item.ExitCode != 0},
		}

	case "file_change":
		var parts []string
		for _, c := range item.Changes {
			parts = append(parts, c.ChangeKind+": "+c.Path)
		}
		if len(parts) == 0 {
			return nil
		}
		return []bus.ContentBlock{{
			Type:  "tool_use",
			Name:  "FileChange",
			Input: map[string]any{"changes": strings.Join(parts, "\n")},
		}}

	case "mcp_tool_call":
		blocks := []bus.ContentBlock{{
			Type:  "tool_use",
			Name:  "MCP:" + item.ToolName,
			Input: item.Arguments,
		}}
		if item.Content != "" {
			blocks = append(blocks, bus.ContentBlock{Type: "tool_result", Content: item.Content})
		}
		return blocks

	case "web_search":
		return []bus.ContentBlock{{
			Type:  "tool_use",
			Name:  "WebSearch",
			Input: map[string]any{"query": item.Query},
		}}

	case "error":
		text := item.Text
		if text == "" {
			text = "unknown error"
		}
		return []bus.ContentBlock{{Type: "text", Text: "Error: " + text}}
	}
	return nil
}
