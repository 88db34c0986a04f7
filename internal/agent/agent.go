// Package agent defines the contract every agent runtime implements and
// the adapters wrapping concrete runtimes: the Claude Code CLI
// (streaming stdio), the Codex CLI (fire-and-complete subprocess), and
// the OpenAI Deep Research API (polled remote).
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownAgent is returned when a session names an unregistered runtime.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is the single contract the session manager consumes. Adapters
// hide runtime differences (persistent stream, per-turn subprocess,
// polled HTTP) behind it.
type Agent interface {
	// Name identifies the runtime ("claude", "codex", ...).
	Name() string

	// SessionID is the agent-internal resumable conversation id, or ""
	// before the first system event.
	SessionID() string

	// Alive reports logical liveness: true between Start and Stop even
	// when no child process is currently running.
	Alive() bool

	// Start launches or resumes the agent in workingDir. A non-empty
	// sessionID means resume that conversation, never start fresh.
	// When stderrLogPath is non-empty, subprocess stderr is appended
	// there line by line.
	Start(ctx context.Context, workingDir, sessionID, stderrLogPath string) error

	// SendMessage pushes a user turn.
	SendMessage(text string) error

	// SendPermissionResponse acknowledges a tool permission prompt.
	SendPermissionResponse(requestID string, allowed bool) error

	// Responses streams raw agent messages. The channel closes when the
	// agent terminates.
	Responses() <-chan RawMessage

	// Stop terminates the agent: SIGTERM, wait up to 5 s, then SIGKILL.
	// Safe to call more than once.
	Stop() error
}

// Factory builds a fresh agent instance for one session.
type Factory func() Agent

// Registry resolves agent names to factories at session creation.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{factories: make(map[string]Factory), defaultName: defaultName}
}

// Register adds a named runtime. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// New builds an agent for name, falling back to the registry default
// when name is empty.
func (r *Registry) New(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	f, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownAgent)
	}
	return f(), nil
}

// Names lists registered runtimes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
