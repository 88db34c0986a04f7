// Package session implements the supervisor core: the session table,
// per-session agent read loops, raw message classification, crash-safe
// persistence and recovery.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/afk/internal/agent"
)

var (
	// ErrNoSession is returned when a channel id has no session.
	ErrNoSession = errors.New("no session for channel")
	// ErrChannelBusy is returned when a channel already hosts a session.
	ErrChannelBusy = errors.New("channel already has a session")
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateWaitingPermission State = "waiting_permission"
	StateStopped           State = "stopped"
	StateSuspended         State = "suspended"
)

// Record is the persisted form of a session. Everything recovery needs
// lives here; runtime handles are rebuilt on restart.
type Record struct {
	Name           string    `json:"name"`
	ProjectName    string    `json:"project_name"`
	ProjectPath    string    `json:"project_path"`
	WorktreePath   string    `json:"worktree_path"`
	ChannelID      string    `json:"channel_id"`
	AgentName      string    `json:"agent_name"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	State          State     `json:"state"`
	Verbose        bool      `json:"verbose"`
	ManagedChannel bool      `json:"managed_channel"`
	Template       string    `json:"template,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session couples a Record with its runtime handles. Only the manager
// touches the runtime fields.
type Session struct {
	Record

	agent      agent.Agent
	logger     *Logger
	cancel     context.CancelFunc
	readerDone chan struct{}
}

// ChannelOpener is the slice of a control plane the manager needs when
// a session is created without a pre-existing channel.
type ChannelOpener interface {
	// OpenChannel creates a channel named after the session and returns
	// its globally unique id.
	OpenChannel(ctx context.Context, title string) (string, error)
	// CloseChannel tears down a channel the control plane created.
	CloseChannel(ctx context.Context, channelID string) error
}

// ProjectCatalog is the slice of the project store recovery needs.
type ProjectCatalog interface {
	// Lookup resolves a project name (case-insensitive) to its path.
	Lookup(name string) (path string, ok bool)
	// AllPaths lists every registered project path.
	AllPaths() []string
}

// CleanupFunc is a capability hook invoked when a session stops or
// completes. Hooks must not call back into the manager.
type CleanupFunc func(ctx context.Context, channelID string)
