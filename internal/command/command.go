// Package command is the single entry point every control plane calls.
// Control planes parse operator input, invoke these methods, and render
// the plain results; nothing messenger-specific crosses this boundary.
package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/afk/internal/capability/tunnel"
	"github.com/nextlevelbuilder/afk/internal/session"
	"github.com/nextlevelbuilder/afk/internal/store"
	"github.com/nextlevelbuilder/afk/internal/voice"
	"github.com/nextlevelbuilder/afk/internal/workspace"
)

// SessionInfo is the list-view DTO.
type SessionInfo struct {
	Name        string    `json:"name"`
	ChannelID   string    `json:"channel_id"`
	ProjectName string    `json:"project_name"`
	Agent       string    `json:"agent"`
	State       string    `json:"state"`
	Worktree    string    `json:"worktree_path"`
	Verbose     bool      `json:"verbose"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStatus is the detail-view DTO, including tunnel state.
type SessionStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	AgentName   string `json:"agent"`
	AgentAlive  bool   `json:"agent_alive"`
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	Worktree    string `json:"worktree_path"`
	TunnelURL   string `json:"tunnel_url,omitempty"`
}

// Options wires the facade's collaborators. Sessions, Projects and
// Messages are required; STT and Tunnel are optional capabilities.
type Options struct {
	Sessions  *session.Manager
	Projects  *store.ProjectStore
	Templates *store.TemplateStore
	Messages  *store.MessageStore
	STT       voice.Transcriber
	Tunnel    *tunnel.Capability

	// BasePath enables auto-creating projects under a directory.
	BasePath string
}

// Commands is the facade. All methods return plain data and are safe
// for concurrent use.
type Commands struct {
	opts Options
}

func New(opts Options) *Commands {
	return &Commands{opts: opts}
}

// Messages exposes the channel history store to control planes.
func (c *Commands) Messages() *store.MessageStore { return c.opts.Messages }

// HasVoiceSupport reports whether voice notes can be transcribed.
func (c *Commands) HasVoiceSupport() bool { return c.opts.STT != nil }

// AddProject registers a project directory under a name.
func (c *Commands) AddProject(name, path string) (bool, string) {
	if err := c.opts.Projects.Add(name, path); err != nil {
		return false, err.Error()
	}
	p, _ := c.opts.Projects.Get(name)
	return true, fmt.Sprintf("Project registered: %s → %s", name, p.Path)
}

// ListProjects returns the registry contents.
func (c *Commands) ListProjects() []store.Project {
	return c.opts.Projects.List()
}

// RemoveProject unregisters a project; the directory is untouched.
func (c *Commands) RemoveProject(name string) (bool, string) {
	if err := c.opts.Projects.Remove(name); err != nil {
		return false, err.Error()
	}
	return true, "Project removed: " + name
}

// InitProject creates and registers <base>/<name>, initializing a git
// repository when needed. Requires a configured base path.
func (c *Commands) InitProject(ctx context.Context, name string) (bool, string) {
	if c.opts.BasePath == "" {
		return false, "No base path configured. Set AFK_BASE_PATH to use project init."
	}
	if name == "" || strings.ContainsAny(name, "/\\") {
		return false, fmt.Sprintf("Invalid project name: %q", name)
	}

	dir := filepath.Join(c.opts.BasePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Sprintf("Failed to create %s: %v", dir, err)
	}
	if !workspace.IsRepo(ctx, dir) {
		if err := workspace.Init(ctx, dir); err != nil {
			return false, fmt.Sprintf("git init failed: %v", err)
		}
	}
	if _, ok := c.opts.Projects.Get(name); !ok {
		if err := c.opts.Projects.Add(name, dir); err != nil {
			return false, err.Error()
		}
	}
	return true, fmt.Sprintf("Project ready: %s → %s", name, dir)
}

// NewSessionParams carries NewSession's optional knobs.
type NewSessionParams struct {
	Project   string
	Verbose   bool
	ChannelID string // empty lets the control plane create a channel
	Agent     string
	Template  string
}

// NewSession resolves the project and creates a session.
//
// Project resolution: a registered name wins; otherwise, with a base
// path configured, <base>/<name> is auto-registered (created and
// git-initialized when missing). Unregistered names without a base path
// are an error.
func (c *Commands) NewSession(ctx context.Context, p NewSessionParams) (session.Record, error) {
	proj, ok := c.opts.Projects.Get(p.Project)
	if !ok && c.opts.BasePath != "" {
		dir := filepath.Join(c.opts.BasePath, p.Project)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return session.Record{}, fmt.Errorf("create project dir: %w", err)
			}
		}
		if !workspace.IsRepo(ctx, dir) {
			if err := workspace.Init(ctx, dir); err != nil {
				return session.Record{}, fmt.Errorf("git init: %w", err)
			}
		}
		if err := c.opts.Projects.Add(p.Project, dir); err != nil {
			return session.Record{}, err
		}
		proj, ok = c.opts.Projects.Get(p.Project)
	}
	if !ok {
		hint := ""
		if c.opts.BasePath == "" {
			hint = " Set AFK_BASE_PATH to auto-create projects."
		}
		return session.Record{}, fmt.Errorf("%s: %w.%s", p.Project, store.ErrProjectUnknown, hint)
	}

	agentName := p.Agent
	if p.Template != "" && c.opts.Templates != nil {
		t, ok := c.opts.Templates.Get(p.Template)
		if !ok {
			return session.Record{}, fmt.Errorf("%s: %w", p.Template, store.ErrTemplateUnknown)
		}
		if agentName == "" {
			agentName = t.DefaultAgent
		}
	}

	return c.opts.Sessions.Create(ctx, session.CreateParams{
		ProjectName: proj.Name,
		ProjectPath: proj.Path,
		ChannelID:   p.ChannelID,
		AgentName:   agentName,
		Template:    p.Template,
		Verbose:     p.Verbose,
	})
}

// SendMessage forwards operator text to a session.
func (c *Commands) SendMessage(channelID, text string) error {
	if err := c.opts.Sessions.SendMessage(channelID, text); err != nil {
		return err
	}
	c.opts.Messages.Append(channelID, store.Message{Role: "user", Text: text})
	return nil
}

// SendVoice transcribes an audio file and forwards the transcript. The
// audio file is deleted either way. Returns the transcript on success.
func (c *Commands) SendVoice(ctx context.Context, channelID, audioPath string) (string, error) {
	if c.opts.STT == nil {
		return "", fmt.Errorf("voice support not available")
	}

	text, err := c.opts.STT.Transcribe(ctx, audioPath)
	_ = os.Remove(audioPath)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty transcript")
	}

	if err := c.opts.Sessions.SendMessage(channelID, text); err != nil {
		return "", err
	}
	c.opts.Messages.Append(channelID, store.Message{Role: "user", Text: "[voice] " + text})
	return text, nil
}

// ListSessions returns the list view of every active session.
func (c *Commands) ListSessions() []SessionInfo {
	records := c.opts.Sessions.List()
	out := make([]SessionInfo, 0, len(records))
	for _, r := range records {
		out = append(out, SessionInfo{
			Name:        r.Name,
			ChannelID:   r.ChannelID,
			ProjectName: r.ProjectName,
			Agent:       r.AgentName,
			State:       string(r.State),
			Worktree:    r.WorktreePath,
			Verbose:     r.Verbose,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out
}

// GetSession returns one session's record.
func (c *Commands) GetSession(channelID string) (session.Record, bool) {
	return c.opts.Sessions.Get(channelID)
}

// StopSession tears down a session and its worktree.
func (c *Commands) StopSession(ctx context.Context, channelID string) error {
	return c.opts.Sessions.Stop(ctx, channelID)
}

// CompleteSession merges the session's work into main.
func (c *Commands) CompleteSession(ctx context.Context, channelID string) (bool, string) {
	return c.opts.Sessions.Complete(ctx, channelID)
}

// GetStatus returns the detail view, including any active tunnel.
func (c *Commands) GetStatus(channelID string) (SessionStatus, bool) {
	r, ok := c.opts.Sessions.Get(channelID)
	if !ok {
		return SessionStatus{}, false
	}

	status := SessionStatus{
		Name:        r.Name,
		State:       string(r.State),
		AgentName:   r.AgentName,
		AgentAlive:  c.opts.Sessions.AgentAlive(channelID),
		ProjectName: r.ProjectName,
		ProjectPath: r.ProjectPath,
		Worktree:    r.WorktreePath,
	}
	if c.opts.Tunnel != nil {
		if info, ok := c.opts.Tunnel.Get(channelID); ok {
			status.TunnelURL = info.PublicURL
		}
	}
	return status, true
}

// PermissionResponse forwards a permission decision to the agent.
func (c *Commands) PermissionResponse(channelID, requestID string, allowed bool) error {
	return c.opts.Sessions.PermissionResponse(channelID, requestID, allowed)
}

// StartTunnel exposes the session's dev server publicly and returns the
// URL. Idempotent: an already-running tunnel's URL is returned as is.
func (c *Commands) StartTunnel(ctx context.Context, channelID string) (string, error) {
	if c.opts.Tunnel == nil {
		return "", fmt.Errorf("tunnel capability not available")
	}
	r, ok := c.opts.Sessions.Get(channelID)
	if !ok {
		return "", fmt.Errorf("%s: %w", channelID, session.ErrNoSession)
	}
	if info, ok := c.opts.Tunnel.Get(channelID); ok {
		return info.PublicURL, nil
	}

	info, err := c.opts.Tunnel.Start(ctx, channelID, r.WorktreePath)
	if err != nil {
		return "", err
	}
	return info.PublicURL, nil
}

// StopTunnel stops the session's tunnel. Reports whether one existed.
func (c *Commands) StopTunnel(channelID string) bool {
	if c.opts.Tunnel == nil {
		return false
	}
	return c.opts.Tunnel.Stop(channelID)
}

// TunnelInfo returns the active tunnel for a session, if any.
func (c *Commands) TunnelInfo(channelID string) (tunnel.Info, bool) {
	if c.opts.Tunnel == nil {
		return tunnel.Info{}, false
	}
	return c.opts.Tunnel.Get(channelID)
}

// ListTemplates returns available workspace templates.
func (c *Commands) ListTemplates() []store.Template {
	if c.opts.Templates == nil {
		return nil
	}
	return c.opts.Templates.List()
}
