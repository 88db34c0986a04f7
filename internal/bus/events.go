package bus

// Level classifies how important an event is to the operator. The core
// assigns it; renderers decide what to do with each level (skip, store
// silently, send, notify).
type Level string

const (
	LevelInternal Level = "internal" // system internals (session init)
	LevelProgress Level = "progress" // tool use, intermediate work
	LevelInfo     Level = "info"     // agent text output
	LevelNotify   Level = "notify"   // task completion, session lifecycle
)

// ContentBlock is one element of an assistant message: text, a tool
// invocation, or a tool result. Raw agent adapters produce these.
type ContentBlock struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Content string         `json:"content,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// AgentSystem signals agent readiness (e.g. the stream-json init message).
type AgentSystem struct {
	ChannelID      string `json:"channel_id"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	Level          Level  `json:"level"`
}

// AgentAssistant carries assistant output blocks.
type AgentAssistant struct {
	ChannelID     string         `json:"channel_id"`
	ContentBlocks []ContentBlock `json:"content_blocks"`
	SessionName   string         `json:"session_name"`
	Level         Level          `json:"level"`
	Verbose       bool           `json:"verbose"`
}

// AgentPermissionRequest asks the operator to approve a tool call.
type AgentPermissionRequest struct {
	ChannelID string         `json:"channel_id"`
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Level     Level          `json:"level"`
}

// AgentResult marks the end of a task turn.
type AgentResult struct {
	ChannelID  string  `json:"channel_id"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	Level      Level   `json:"level"`
}

// AgentInputRequest tells renderers the agent is waiting for operator input.
type AgentInputRequest struct {
	ChannelID   string `json:"channel_id"`
	SessionName string `json:"session_name"`
	Level       Level  `json:"level"`
}

// AgentStopped signals an unexpected agent exit. ManagedChannel tells
// the owning control plane to close the session's channel after the
// notice, as Stop would have.
type AgentStopped struct {
	ChannelID      string `json:"channel_id"`
	SessionName    string `json:"session_name"`
	ManagedChannel bool   `json:"managed_channel"`
	Level          Level  `json:"level"`
}

// FileReady announces a file the agent produced; renderers decide
// whether to upload it to their channel.
type FileReady struct {
	ChannelID string `json:"channel_id"`
	FilePath  string `json:"file_path"`
	FileName  string `json:"file_name"`
	Level     Level  `json:"level"`
}

// SessionCreated announces a new session.
type SessionCreated struct {
	ChannelID    string `json:"channel_id"`
	SessionName  string `json:"session_name"`
	ProjectName  string `json:"project_name"`
	ProjectPath  string `json:"project_path"`
	WorktreePath string `json:"worktree_path"`
	Verbose      bool   `json:"verbose"`
}
