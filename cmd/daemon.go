package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/afk/internal/agent"
	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/capability"
	"github.com/nextlevelbuilder/afk/internal/capability/tunnel"
	"github.com/nextlevelbuilder/afk/internal/channels"
	"github.com/nextlevelbuilder/afk/internal/channels/telegram"
	"github.com/nextlevelbuilder/afk/internal/command"
	"github.com/nextlevelbuilder/afk/internal/config"
	"github.com/nextlevelbuilder/afk/internal/proctrack"
	"github.com/nextlevelbuilder/afk/internal/session"
	"github.com/nextlevelbuilder/afk/internal/store"
	"github.com/nextlevelbuilder/afk/internal/voice"
	"github.com/nextlevelbuilder/afk/internal/web"
	"github.com/nextlevelbuilder/afk/internal/workspace"
)

// shutdownTimeout bounds graceful teardown after SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

// lateOpener defers the channel-opener binding: the session manager
// needs an opener at construction, but the Telegram plane needs the
// command facade, which needs the manager.
type lateOpener struct {
	inner session.ChannelOpener
}

func (o *lateOpener) OpenChannel(ctx context.Context, title string) (string, error) {
	if o.inner == nil {
		return "", fmt.Errorf("no channel-capable control plane configured")
	}
	return o.inner.OpenChannel(ctx, title)
}

func (o *lateOpener) CloseChannel(ctx context.Context, channelID string) error {
	if o.inner == nil {
		return fmt.Errorf("no channel-capable control plane configured")
	}
	return o.inner.CloseChannel(ctx, channelID)
}

func runDaemon() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	logPath := filepath.Join(cfg.DataDir, "afk.log")
	logFile := setupLogging(logPath)
	if logFile != nil {
		defer logFile.Close()
	}
	slog.Info("afk starting", "version", Version, "data_dir", cfg.DataDir)

	// Reap agent and tunnel children left behind by a previous crash.
	tracker := proctrack.New(filepath.Join(cfg.DataDir, "pids"))
	tracker.CleanupStale()

	projects, err := store.NewProjectStore(cfg.DataDir)
	if err != nil {
		slog.Error("project store failed", "error", err)
		os.Exit(1)
	}
	messages, err := store.NewMessageStore(filepath.Join(cfg.DataDir, "messages"))
	if err != nil {
		slog.Error("message store failed", "error", err)
		os.Exit(1)
	}
	defer messages.Close()

	templates, err := store.NewTemplateStore(filepath.Join(cfg.DataDir, "templates"))
	if err != nil {
		slog.Warn("template store disabled", "error", err)
		templates = nil
	} else {
		if err := templates.Watch(); err != nil {
			slog.Warn("template watching disabled", "error", err)
		}
		defer templates.Close()
	}

	eventBus := bus.New()

	agents := agent.NewRegistry(cfg.Agent)
	agents.Register("claude", agent.NewClaudeAgent(tracker))
	agents.Register("codex", agent.NewCodexAgent(tracker))

	var stt voice.Transcriber
	if cfg.OpenAI.APIKey != "" {
		agents.Register("deep-research", agent.NewDeepResearchAgent(agent.DeepResearchOptions{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.DeepResearch.Model,
			MaxToolCalls: cfg.DeepResearch.MaxToolCalls,
		}))
		stt = voice.NewWhisper(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, "")
	} else {
		slog.Warn("no OpenAI API key; voice transcription and deep-research agent disabled")
	}

	caps := capability.NewSet()
	tunnels := tunnel.New(tracker)
	caps.Register(tunnels)

	var applyTemplate func(name, dest string) error
	if templates != nil {
		applyTemplate = templates.Apply
	}

	opener := &lateOpener{}
	manager := session.NewManager(session.Options{
		DataDir:          cfg.DataDir,
		Bus:              eventBus,
		Agents:           agents,
		Opener:           opener,
		ApplyTemplate:    applyTemplate,
		CommitMessage:    workspace.ClaudeCommitMessage(),
		AutoApproveTools: cfg.AutoApproveTools,
	})
	manager.RegisterCleanup("capabilities", caps.Cleanup)

	cmds := command.New(command.Options{
		Sessions:  manager,
		Projects:  projects,
		Templates: templates,
		Messages:  messages,
		STT:       stt,
		Tunnel:    tunnels,
		BasePath:  cfg.BasePath,
	})

	var planes []channels.ControlPlane
	if cfg.Telegram.Enabled() {
		tg, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			GroupID: cfg.Telegram.GroupID,
		}, cmds, eventBus)
		if err != nil {
			slog.Error("telegram setup failed", "error", err)
			os.Exit(1)
		}
		opener.inner = tg
		planes = append(planes, tg)
	} else {
		slog.Warn("telegram disabled; set AFK_TELEGRAM_BOT_TOKEN and AFK_TELEGRAM_GROUP_ID to enable")
	}
	if cfg.HTTP.Port > 0 {
		planes = append(planes, web.NewServer(web.Options{
			Port:    cfg.HTTP.Port,
			Bus:     eventBus,
			Cmds:    cmds,
			LogPath: logPath,
		}))
	}
	if len(planes) == 0 {
		slog.Error("no control plane configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rebuild suspended sessions before the operator can reach them.
	manager.Recover(ctx, projects)
	manager.CleanupOrphanWorktrees(ctx, projects)

	for _, p := range planes {
		if err := p.Start(ctx); err != nil {
			slog.Error("control plane failed to start", "plane", p.Name(), "error", err)
			os.Exit(1)
		}
	}
	slog.Info("afk ready")

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, p := range planes {
		if err := p.Stop(shutdownCtx); err != nil {
			slog.Warn("control plane stop failed", "plane", p.Name(), "error", err)
		}
	}
	manager.SuspendAll(shutdownCtx)
	tracker.KillAll()
	slog.Info("afk stopped")
}

// setupLogging routes slog to stderr and the supervisor log file.
func setupLogging(logPath string) *os.File {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		w = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	if err != nil {
		slog.Warn("log file unavailable", "path", logPath, "error", err)
		return nil
	}
	return f
}
