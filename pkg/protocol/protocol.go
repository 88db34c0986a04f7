// Package protocol defines the wire types of the web control plane's
// event streams. Browser dashboards and external subscribers consume
// these over SSE (GET /api/events) and WebSocket (/ws).
package protocol

// ProtocolVersion is bumped on breaking changes to the stream format.
const ProtocolVersion = 1

// Stream event kinds (Envelope.Type).
const (
	KindSystem            = "system"             // agent readiness
	KindAssistant         = "assistant"          // assistant output blocks
	KindPermissionRequest = "permission_request" // tool approval prompt
	KindResult            = "result"             // task turn finished
	KindInputRequest      = "input_request"      // agent waits for input
	KindAgentStopped      = "agent_stopped"      // unexpected agent exit
	KindFileReady         = "file_ready"         // agent produced a file
	KindSessionCreated    = "session_created"    // new session opened
	KindError             = "error"              // rejected inbound command
)

// Envelope wraps one bus event for the stream. Event carries the
// kind-specific payload as published on the internal bus.
type Envelope struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

// Inbound WebSocket command types (Command.Type).
const (
	CmdMessage    = "message"    // forward text to a session
	CmdPermission = "permission" // answer a permission prompt
)

// Command is an inbound WebSocket frame.
type Command struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Allowed   bool   `json:"allowed,omitempty"`
}
