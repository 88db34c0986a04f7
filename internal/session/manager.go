package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/afk/internal/agent"
	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/workspace"
)

// Options wires the manager's collaborators. Bus, Agents and DataDir
// are required; the rest are optional.
type Options struct {
	DataDir string
	Bus     *bus.Bus
	Agents  *agent.Registry

	// Opener creates channels for sessions started without one. Nil
	// means every session must arrive with a channel id.
	Opener ChannelOpener

	// ApplyTemplate copies a named scaffold into a fresh worktree.
	ApplyTemplate func(name, dest string) error

	// CommitMessage derives commit messages on completion; nil uses the
	// plain fallback.
	CommitMessage workspace.CommitMessageFunc

	// AutoApproveTools are tool names approved without surfacing a
	// permission prompt.
	AutoApproveTools []string
}

// Manager owns the session table. All lifecycle transitions and all
// persistence writes go through it; capabilities and control planes
// only ever observe the event bus or call the narrow methods here.
type Manager struct {
	opts Options
	file string

	mu       sync.Mutex
	sessions map[string]*Session // keyed by channel id
	cleanups map[string]CleanupFunc
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		file:     filepath.Join(opts.DataDir, "sessions.json"),
		sessions: make(map[string]*Session),
		cleanups: make(map[string]CleanupFunc),
	}
}

// RegisterCleanup attaches a capability cleanup hook under a name.
// Re-registering a name replaces the hook.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups[name] = fn
}

// CreateParams carries everything Create needs. ChannelID may be empty
// when a ChannelOpener is configured.
type CreateParams struct {
	ProjectName string
	ProjectPath string
	ChannelID   string
	AgentName   string
	Template    string
	Verbose     bool
}

// Create builds a session: worktree first, then channel, then agent,
// then persistence, then the reader. The ordering is deliberate: no
// channel exists until the worktree succeeded (no orphan channels), and
// the record is persisted before the reader runs (recovery never sees a
// session without a workspace).
func (m *Manager) Create(ctx context.Context, p CreateParams) (Record, error) {
	if !workspace.IsRepo(ctx, p.ProjectPath) {
		return Record{}, fmt.Errorf("%s: %w", p.ProjectPath, workspace.ErrNotARepo)
	}
	if p.ChannelID != "" {
		m.mu.Lock()
		_, busy := m.sessions[p.ChannelID]
		m.mu.Unlock()
		if busy {
			return Record{}, fmt.Errorf("%s: %w", p.ChannelID, ErrChannelBusy)
		}
	}

	name := m.newSessionName(p.ProjectName)
	worktree := workspace.SessionWorktreePath(p.ProjectPath, name)
	branch := workspace.SessionBranch(name)

	// A leftover worktree under this name means a prior daemon crashed
	// mid-create. Reap it before reusing the name.
	if _, err := os.Stat(worktree); err == nil {
		slog.Warn("removing stale worktree", "path", worktree)
		workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
		_ = os.RemoveAll(worktree)
	}

	if err := workspace.CreateWorktree(ctx, p.ProjectPath, worktree, branch); err != nil {
		return Record{}, err
	}

	if p.Template != "" && m.opts.ApplyTemplate != nil {
		if err := m.opts.ApplyTemplate(p.Template, worktree); err != nil {
			workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
			return Record{}, fmt.Errorf("apply template %q: %w", p.Template, err)
		}
	}

	logger, err := OpenLogger(m.opts.DataDir, name)
	if err != nil {
		workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
		return Record{}, err
	}

	channelID := p.ChannelID
	managed := false
	if channelID == "" {
		if m.opts.Opener == nil {
			logger.Close()
			workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
			return Record{}, fmt.Errorf("no channel id and no channel opener configured")
		}
		channelID, err = m.opts.Opener.OpenChannel(ctx, name)
		if err != nil {
			logger.Close()
			workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
			return Record{}, fmt.Errorf("open channel: %w", err)
		}
		managed = true
	}

	ag, err := m.opts.Agents.New(p.AgentName)
	if err == nil {
		err = ag.Start(ctx, worktree, "", logger.StderrPath())
	}
	if err != nil {
		logger.Close()
		workspace.RemoveWorktree(ctx, p.ProjectPath, worktree, branch)
		if managed {
			_ = m.opts.Opener.CloseChannel(ctx, channelID)
		}
		return Record{}, err
	}

	s := &Session{
		Record: Record{
			Name:           name,
			ProjectName:    p.ProjectName,
			ProjectPath:    p.ProjectPath,
			WorktreePath:   worktree,
			ChannelID:      channelID,
			AgentName:      ag.Name(),
			State:          StateIdle,
			Verbose:        p.Verbose,
			ManagedChannel: managed,
			Template:       p.Template,
			CreatedAt:      time.Now().UTC(),
		},
		agent:  ag,
		logger: logger,
	}

	m.mu.Lock()
	m.sessions[channelID] = s
	m.persistLocked()
	m.mu.Unlock()

	m.startReader(s)
	logger.Log().Info("session created", "project", p.ProjectName, "worktree", worktree, "agent", ag.Name())

	m.opts.Bus.Publish(bus.SessionCreated{
		ChannelID:    channelID,
		SessionName:  name,
		ProjectName:  p.ProjectName,
		ProjectPath:  p.ProjectPath,
		WorktreePath: worktree,
		Verbose:      p.Verbose,
	})
	return s.Record, nil
}

// newSessionName forms <project>-<yymmdd-hhmmss> in UTC, suffixing a
// counter when two sessions land in the same second.
func (m *Manager) newSessionName(project string) string {
	base := strings.ToLower(project) + "-" + time.Now().UTC().Format("060102-150405")

	m.mu.Lock()
	defer m.mu.Unlock()
	name := base
	for i := 2; m.nameTakenLocked(name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

func (m *Manager) nameTakenLocked(name string) bool {
	for _, s := range m.sessions {
		if s.Name == name {
			return true
		}
	}
	return false
}

// SendMessage forwards a user turn to the session's agent.
func (m *Manager) SendMessage(channelID, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	if ok {
		s.State = StateRunning
		m.persistLocked()
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", channelID, ErrNoSession)
	}

	s.logger.Log().Info("user message", "chars", len(text))
	return s.agent.SendMessage(text)
}

// PermissionResponse forwards the operator's answer to a pending
// permission prompt and moves the session back to running.
func (m *Manager) PermissionResponse(channelID, requestID string, allowed bool) error {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	if ok && s.State == StateWaitingPermission {
		s.State = StateRunning
		m.persistLocked()
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", channelID, ErrNoSession)
	}

	s.logger.Log().Info("permission response", "request_id", requestID, "allowed", allowed)
	return s.agent.SendPermissionResponse(requestID, allowed)
}

// Stop tears a session down and discards its worktree. Idempotent per
// channel: a second call reports ErrNoSession.
func (m *Manager) Stop(ctx context.Context, channelID string) error {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	if ok {
		s.State = StateStopped
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", channelID, ErrNoSession)
	}

	m.stopReader(s)
	m.runCleanups(ctx, channelID)

	if err := s.agent.Stop(); err != nil {
		slog.Warn("agent stop failed", "session", s.Name, "error", err)
	}
	s.AgentSessionID = s.agent.SessionID()
	s.logger.Log().Info("session stopped")
	s.logger.Close()

	workspace.RemoveWorktree(ctx, s.ProjectPath, s.WorktreePath, workspace.SessionBranch(s.Name))

	m.mu.Lock()
	delete(m.sessions, channelID)
	m.persistLocked()
	m.mu.Unlock()

	if s.ManagedChannel && m.opts.Opener != nil {
		if err := m.opts.Opener.CloseChannel(ctx, channelID); err != nil {
			slog.Warn("close channel failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

// Complete merges the session's work into main and tears the session
// down. On rebase failure the agent is restarted on the same resumable
// id and the session stays usable; (false, detail) is returned.
func (m *Manager) Complete(ctx context.Context, channelID string) (bool, string) {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	m.mu.Unlock()
	if !ok {
		return false, "no session for this channel"
	}

	m.stopReader(s)
	m.runCleanups(ctx, channelID)

	s.AgentSessionID = s.agent.SessionID()
	if err := s.agent.Stop(); err != nil {
		slog.Warn("agent stop failed", "session", s.Name, "error", err)
	}

	if _, _, err := workspace.CommitAll(ctx, s.WorktreePath, s.Name, m.opts.CommitMessage); err != nil {
		s.logger.Log().Error("commit failed", "error", err)
		m.restartAgent(ctx, s)
		return false, fmt.Sprintf("commit failed: %v", err)
	}

	branch := workspace.SessionBranch(s.Name)
	merged, detail := workspace.RebaseThenFastForward(ctx, s.ProjectPath, branch, s.WorktreePath)
	if !merged {
		s.logger.Log().Warn("rebase failed, session kept alive", "detail", detail)
		m.restartAgent(ctx, s)
		return false, detail
	}

	workspace.DeleteBranch(ctx, s.ProjectPath, branch)
	s.logger.Log().Info("session completed", "detail", detail)
	s.logger.Close()

	m.mu.Lock()
	delete(m.sessions, channelID)
	m.persistLocked()
	m.mu.Unlock()

	if s.ManagedChannel && m.opts.Opener != nil {
		if err := m.opts.Opener.CloseChannel(ctx, channelID); err != nil {
			slog.Warn("close channel failed", "channel", channelID, "error", err)
		}
	}
	return true, detail
}

// restartAgent resumes the agent after a failed completion so the
// operator can resolve conflicts through the same conversation.
func (m *Manager) restartAgent(ctx context.Context, s *Session) {
	if err := s.agent.Start(ctx, s.WorktreePath, s.AgentSessionID, s.logger.StderrPath()); err != nil {
		slog.Error("agent restart failed", "session", s.Name, "error", err)
		return
	}
	m.mu.Lock()
	s.State = StateIdle
	m.persistLocked()
	m.mu.Unlock()
	m.startReader(s)
}

// Get returns a copy of one session's record.
func (m *Manager) Get(channelID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[channelID]
	if !ok {
		return Record{}, false
	}
	return s.Record, true
}

// AgentAlive reports logical liveness of one session's agent.
func (m *Manager) AgentAlive(channelID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[channelID]
	m.mu.Unlock()
	return ok && s.agent.Alive()
}

// List returns copies of all session records, oldest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// startReader spawns the per-session read loop.
func (m *Manager) startReader(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.readerDone = make(chan struct{})
	go m.readLoop(ctx, s)
}

// stopReader cancels the read loop and waits for it to drain.
func (m *Manager) stopReader(s *Session) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.readerDone
	s.cancel = nil
}

// readLoop pumps raw agent messages into classified bus events. A
// closed response channel without cancellation is an unexpected agent
// death and tears the session down.
func (m *Manager) readLoop(ctx context.Context, s *Session) {
	defer close(s.readerDone)

	responses := s.agent.Responses()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-responses:
			if !ok {
				if ctx.Err() == nil {
					go m.handleAgentDeath(s)
				}
				return
			}
			m.classify(s, msg)
		}
	}
}

// handleAgentDeath reacts to an agent exiting outside stop/complete.
func (m *Manager) handleAgentDeath(s *Session) {
	slog.Warn("agent exited unexpectedly", "session", s.Name)
	ctx := context.Background()

	m.mu.Lock()
	if m.sessions[s.ChannelID] != s {
		m.mu.Unlock()
		return
	}
	s.State = StateStopped
	delete(m.sessions, s.ChannelID)
	m.persistLocked()
	m.mu.Unlock()

	m.runCleanups(ctx, s.ChannelID)
	s.logger.Log().Warn("agent exited unexpectedly")
	s.logger.Close()

	m.opts.Bus.Publish(bus.AgentStopped{
		ChannelID:      s.ChannelID,
		SessionName:    s.Name,
		ManagedChannel: s.ManagedChannel,
		Level:          bus.LevelNotify,
	})
}

// classify turns one raw agent message into zero or more bus events and
// the matching state transition.
func (m *Manager) classify(s *Session, msg agent.RawMessage) {
	if len(msg.Raw) > 0 {
		s.logger.AppendRaw(msg.Raw)
	}

	switch msg.Type {
	case agent.TypeSystem:
		m.mu.Lock()
		if msg.SessionID != "" && s.AgentSessionID == "" {
			s.AgentSessionID = msg.SessionID
		}
		s.State = StateIdle
		m.persistLocked()
		m.mu.Unlock()

		m.opts.Bus.Publish(bus.AgentSystem{
			ChannelID:      s.ChannelID,
			AgentSessionID: msg.SessionID,
			Level:          bus.LevelInternal,
		})

	case agent.TypeAssistant:
		level := bus.LevelProgress
		if agent.HasTextBlock(msg.ContentBlocks) {
			level = bus.LevelInfo
		}
		m.mu.Lock()
		if s.State != StateRunning {
			s.State = StateRunning
			m.persistLocked()
		}
		m.mu.Unlock()

		m.opts.Bus.Publish(bus.AgentAssistant{
			ChannelID:     s.ChannelID,
			ContentBlocks: msg.ContentBlocks,
			SessionName:   s.Name,
			Level:         level,
			Verbose:       s.Verbose,
		})

	case agent.TypePermissionRequest:
		if m.autoApproved(msg.ToolName) {
			s.logger.Log().Info("auto-approved tool", "tool", msg.ToolName)
			if err := s.agent.SendPermissionResponse(msg.RequestID, true); err != nil {
				slog.Warn("auto-approve failed", "session", s.Name, "error", err)
			}
			return
		}
		m.mu.Lock()
		s.State = StateWaitingPermission
		m.persistLocked()
		m.mu.Unlock()

		m.opts.Bus.Publish(bus.AgentPermissionRequest{
			ChannelID: s.ChannelID,
			RequestID: msg.RequestID,
			ToolName:  msg.ToolName,
			ToolInput: msg.ToolInput,
			Level:     bus.LevelNotify,
		})

	case agent.TypeResult:
		m.mu.Lock()
		s.State = StateIdle
		m.persistLocked()
		m.mu.Unlock()

		m.opts.Bus.Publish(bus.AgentResult{
			ChannelID:  s.ChannelID,
			CostUSD:    msg.TotalCostUSD,
			DurationMS: msg.DurationMS,
			Level:      bus.LevelNotify,
		})
		m.opts.Bus.Publish(bus.AgentInputRequest{
			ChannelID:   s.ChannelID,
			SessionName: s.Name,
			Level:       bus.LevelNotify,
		})

	case agent.TypeFileOutput:
		m.opts.Bus.Publish(bus.FileReady{
			ChannelID: s.ChannelID,
			FilePath:  msg.FilePath,
			FileName:  msg.FileName,
			Level:     bus.LevelInfo,
		})

	default:
		s.logger.Log().Debug("dropped unrecognized agent message", "type", msg.Type)
	}
}

func (m *Manager) autoApproved(tool string) bool {
	for _, t := range m.opts.AutoApproveTools {
		if t == tool {
			return true
		}
	}
	return false
}

func (m *Manager) runCleanups(ctx context.Context, channelID string) {
	m.mu.Lock()
	fns := make([]CleanupFunc, 0, len(m.cleanups))
	for _, fn := range m.cleanups {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, channelID)
	}
}

// Recover rebuilds sessions from the persisted table. Entries whose
// worktree is gone, whose project is unregistered, or that never got an
// agent session id are skipped with a warning; survivors resume their
// agent on the recorded id.
func (m *Manager) Recover(ctx context.Context, projects ProjectCatalog) {
	records, err := m.loadRecords()
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read session table", "error", err)
		}
		return
	}

	recovered := 0
	for _, r := range records {
		if _, err := os.Stat(r.WorktreePath); err != nil {
			slog.Warn("skipping session: worktree missing", "session", r.Name, "path", r.WorktreePath)
			continue
		}
		if _, ok := projects.Lookup(r.ProjectName); !ok {
			slog.Warn("skipping session: project unregistered", "session", r.Name, "project", r.ProjectName)
			continue
		}
		if r.AgentSessionID == "" {
			slog.Warn("skipping session: no resumable agent id", "session", r.Name)
			continue
		}

		logger, err := OpenLogger(m.opts.DataDir, r.Name)
		if err != nil {
			slog.Warn("skipping session: log open failed", "session", r.Name, "error", err)
			continue
		}
		ag, err := m.opts.Agents.New(r.AgentName)
		if err == nil {
			err = ag.Start(ctx, r.WorktreePath, r.AgentSessionID, logger.StderrPath())
		}
		if err != nil {
			slog.Warn("skipping session: agent resume failed", "session", r.Name, "error", err)
			logger.Close()
			continue
		}

		r.State = StateIdle
		s := &Session{Record: r, agent: ag, logger: logger}

		m.mu.Lock()
		m.sessions[r.ChannelID] = s
		m.mu.Unlock()

		m.startReader(s)
		logger.Log().Info("session recovered", "agent", r.AgentName)
		recovered++
	}

	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
	slog.Info("session recovery finished", "recovered", recovered, "persisted", len(records))
}

// CleanupOrphanWorktrees removes supervisor worktrees that no active
// session owns. Must run after Recover so recovered workspaces are not
// reaped.
func (m *Manager) CleanupOrphanWorktrees(ctx context.Context, projects ProjectCatalog) {
	active := make(map[string]struct{})
	m.mu.Lock()
	for _, s := range m.sessions {
		active[s.WorktreePath] = struct{}{}
	}
	m.mu.Unlock()

	for _, repo := range projects.AllPaths() {
		worktrees, err := workspace.ListAFKWorktrees(ctx, repo)
		if err != nil {
			slog.Warn("worktree listing failed", "repo", repo, "error", err)
			continue
		}
		for _, wt := range worktrees {
			if _, ok := active[wt.Path]; ok {
				continue
			}
			slog.Info("removing orphan worktree", "path", wt.Path, "branch", wt.Branch)
			workspace.RemoveWorktree(ctx, repo, wt.Path, wt.Branch)
		}
	}
}

// SuspendAll stops every agent while keeping workspaces and records so
// Recover can resume them. Called on graceful shutdown.
func (m *Manager) SuspendAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.stopReader(s)
		m.runCleanups(ctx, s.ChannelID)

		s.AgentSessionID = s.agent.SessionID()
		if err := s.agent.Stop(); err != nil {
			slog.Warn("agent stop failed", "session", s.Name, "error", err)
		}
		s.logger.Log().Info("session suspended")
		s.logger.Close()

		m.mu.Lock()
		s.State = StateSuspended
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.persistLocked()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	slog.Info("all sessions suspended", "count", len(all))
}

// persistLocked atomically rewrites sessions.json. Caller holds the lock.
func (m *Manager) persistLocked() {
	records := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, s.Record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		slog.Error("failed to marshal session table", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.file), 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		return
	}

	tmp := m.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("failed to write session table", "error", err)
		return
	}
	if err := os.Rename(tmp, m.file); err != nil {
		slog.Error("failed to write session table", "error", err)
	}
}

func (m *Manager) loadRecords() ([]Record, error) {
	data, err := os.ReadFile(m.file)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse session table: %w", err)
	}
	return records, nil
}
