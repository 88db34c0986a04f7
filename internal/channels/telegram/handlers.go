package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/afk/internal/channels"
	"github.com/nextlevelbuilder/afk/internal/command"
	"github.com/nextlevelbuilder/afk/internal/session"
)

const helpText = `afk remote agent supervisor

/project add <name> <path> - register a project
/project list - list registered projects
/project remove <name> - unregister a project
/project init <name> - create and register a project under the base path
/new <project> [-v] [-a <agent>] [-t <template>] - start a session
/sessions - list active sessions
/status - show this session's status
/stop - stop this session (work stays on its branch)
/complete - merge this session's work into main
/tunnel [stop] - expose or stop this session's dev server
/template list - list workspace templates

In a session topic, any plain message goes to the agent. Voice notes
are transcribed first.`

// stateEmoji maps session states to their list-view markers.
func stateEmoji(state string) string {
	switch session.State(state) {
	case session.StateIdle:
		return "💤"
	case session.StateRunning:
		return "🏃"
	case session.StateWaitingPermission:
		return "⏳"
	case session.StateStopped:
		return "🔴"
	case session.StateSuspended:
		return "💾"
	default:
		return "❓"
	}
}

// normalizeDashes undoes the em/en dashes mobile keyboards substitute
// for "--" and "-" in command flags.
func normalizeDashes(s string) string {
	s = strings.ReplaceAll(s, "—", "--")
	s = strings.ReplaceAll(s, "–", "-")
	return s
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Chat.ID != c.config.GroupID {
		return
	}
	channelID := channelIDFor(msg)

	switch {
	case msg.Voice != nil || msg.Audio != nil:
		c.handleVoice(ctx, msg, channelID)
	case strings.HasPrefix(msg.Text, "/"):
		c.handleCommand(ctx, msg, channelID)
	case msg.Text != "":
		c.handleSessionText(ctx, msg, channelID)
	}
}

// handleSessionText forwards plain text in a topic to its agent.
func (c *Channel) handleSessionText(ctx context.Context, msg *telego.Message, channelID string) {
	if channelID == channels.GeneralChannelID {
		c.send(ctx, channelID, "No session here. Use /new <project> to start one, or /help.", true) //nolint:errcheck
		return
	}
	rec, ok := c.cmds.GetSession(channelID)
	if !ok {
		c.send(ctx, channelID, "No active session in this topic. Use /new <project> in the general topic.", true) //nolint:errcheck
		return
	}
	if rec.State == session.StateWaitingPermission {
		c.send(ctx, channelID, "⏳ The agent is waiting for a permission decision. Answer the prompt above first.", true) //nolint:errcheck
		return
	}

	ackID, _ := c.send(ctx, channelID, "⏳ Forwarding task...", true)
	if err := c.cmds.SendMessage(channelID, msg.Text); err != nil {
		c.edit(ctx, ackID, "❌ Failed to send: "+err.Error())
		return
	}
	c.edit(ctx, ackID, "📝 Task started. I'll notify you when it needs attention.")
}

// handleVoice transcribes a voice note and forwards the transcript.
func (c *Channel) handleVoice(ctx context.Context, msg *telego.Message, channelID string) {
	if !c.cmds.HasVoiceSupport() {
		c.send(ctx, channelID, "Voice support is not configured (no OpenAI API key).", true) //nolint:errcheck
		return
	}
	if _, ok := c.cmds.GetSession(channelID); !ok {
		c.send(ctx, channelID, "No active session in this topic.", true) //nolint:errcheck
		return
	}

	fileID := ""
	if msg.Voice != nil {
		fileID = msg.Voice.FileID
	} else if msg.Audio != nil {
		fileID = msg.Audio.FileID
	}

	ackID, _ := c.send(ctx, channelID, "🎙️ Transcribing...", true)
	audioPath, err := c.downloadVoice(ctx, fileID)
	if err != nil {
		c.edit(ctx, ackID, "❌ Voice download failed: "+err.Error())
		return
	}
	text, err := c.cmds.SendVoice(ctx, channelID, audioPath)
	if err != nil {
		c.edit(ctx, ackID, "❌ Transcription failed: "+err.Error())
		return
	}
	c.edit(ctx, ackID, "🎙️ "+text+"\n\n📝 Task started.")
}

func (c *Channel) handleCommand(ctx context.Context, msg *telego.Message, channelID string) {
	text := normalizeDashes(strings.TrimSpace(msg.Text))
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	reply := func(s string) { c.send(ctx, channelID, s, true) } //nolint:errcheck

	switch cmd {
	case "/start", "/help":
		reply(helpText)
	case "/project":
		reply(c.projectCommand(ctx, args))
	case "/new":
		c.newCommand(ctx, channelID, args)
	case "/sessions":
		reply(c.sessionsCommand())
	case "/status":
		reply(c.statusCommand(channelID))
	case "/stop":
		c.stopCommand(ctx, channelID)
	case "/complete":
		c.completeCommand(ctx, channelID)
	case "/tunnel":
		c.tunnelCommand(ctx, channelID, args)
	case "/template":
		reply(c.templateCommand(args))
	default:
		reply("Unknown command " + cmd + "\n\n" + helpText)
	}
}

func (c *Channel) projectCommand(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /project add <name> <path> | list | remove <name> | init <name>"
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return "Usage: /project add <name> <path>"
		}
		_, out := c.cmds.AddProject(args[1], strings.Join(args[2:], " "))
		return out
	case "list":
		projects := c.cmds.ListProjects()
		if len(projects) == 0 {
			return "No projects registered. Use /project add <name> <path>."
		}
		var b strings.Builder
		b.WriteString("📁 Projects:\n")
		for _, p := range projects {
			fmt.Fprintf(&b, "• %s → %s\n", p.Name, p.Path)
		}
		return b.String()
	case "remove":
		if len(args) != 2 {
			return "Usage: /project remove <name>"
		}
		_, out := c.cmds.RemoveProject(args[1])
		return out
	case "init":
		if len(args) != 2 {
			return "Usage: /project init <name>"
		}
		_, out := c.cmds.InitProject(ctx, args[1])
		return out
	default:
		return "Usage: /project add <name> <path> | list | remove <name> | init <name>"
	}
}

// newCommand parses /new <project> [-v|--verbose] [-a|--agent <name>]
// [-t|--template <name>] and opens a session with its own topic.
func (c *Channel) newCommand(ctx context.Context, channelID string, args []string) {
	reply := func(s string) { c.send(ctx, channelID, s, true) } //nolint:errcheck

	params := command.NewSessionParams{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-v", "--verbose":
			params.Verbose = true
		case "-a", "--agent":
			if i+1 >= len(args) {
				reply("Usage: /new <project> [-v] [-a <agent>] [-t <template>]")
				return
			}
			i++
			params.Agent = args[i]
		case "-t", "--template":
			if i+1 >= len(args) {
				reply("Usage: /new <project> [-v] [-a <agent>] [-t <template>]")
				return
			}
			i++
			params.Template = args[i]
		default:
			if strings.HasPrefix(args[i], "-") || params.Project != "" {
				reply("Usage: /new <project> [-v] [-a <agent>] [-t <template>]")
				return
			}
			params.Project = args[i]
		}
	}
	if params.Project == "" {
		reply("Usage: /new <project> [-v] [-a <agent>] [-t <template>]")
		return
	}

	rec, err := c.cmds.NewSession(ctx, params)
	if err != nil {
		reply("❌ " + err.Error())
		return
	}
	reply(fmt.Sprintf("🚀 Session %s started\n👉 %s", rec.Name, c.channelLink(rec.ChannelID)))
}

func (c *Channel) sessionsCommand() string {
	sessions := c.cmds.ListSessions()
	if len(sessions) == 0 {
		return "No active sessions. Use /new <project> to start one."
	}
	var b strings.Builder
	b.WriteString("📋 Sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s %s (%s, %s) → %s\n",
			stateEmoji(s.State), s.Name, s.ProjectName, s.Agent, c.channelLink(s.ChannelID))
	}
	return b.String()
}

func (c *Channel) statusCommand(channelID string) string {
	status, ok := c.cmds.GetStatus(channelID)
	if !ok {
		return "No session in this topic."
	}
	alive := "no"
	if status.AgentAlive {
		alive = "yes"
	}
	out := fmt.Sprintf("Session: %s\nState: %s %s\nAgent: %s (alive: %s)\nProject: %s\nWorktree: %s",
		status.Name, stateEmoji(status.State), status.State, status.AgentName, alive,
		status.ProjectName, status.Worktree)
	if status.TunnelURL != "" {
		out += "\nTunnel: " + status.TunnelURL
	}
	return out
}

func (c *Channel) stopCommand(ctx context.Context, channelID string) {
	rec, ok := c.cmds.GetSession(channelID)
	if !ok {
		c.send(ctx, channelID, "No session in this topic.", true) //nolint:errcheck
		return
	}
	if err := c.cmds.StopSession(ctx, channelID); err != nil {
		c.send(ctx, channelID, "❌ Stop failed: "+err.Error(), false) //nolint:errcheck
		return
	}
	// The topic is gone with the session; confirm in general.
	c.send(ctx, channels.GeneralChannelID, //nolint:errcheck
		fmt.Sprintf("🛑 Session %s stopped. Work remains on its branch.", rec.Name), true)
}

func (c *Channel) completeCommand(ctx context.Context, channelID string) {
	rec, ok := c.cmds.GetSession(channelID)
	if !ok {
		c.send(ctx, channelID, "No session in this topic.", true) //nolint:errcheck
		return
	}
	c.send(ctx, channelID, "🔀 Merging session work into main...", true) //nolint:errcheck

	merged, detail := c.cmds.CompleteSession(ctx, channelID)
	if !merged {
		c.send(ctx, channelID, "❌ Complete failed: "+detail+"\nThe session is still active.", false) //nolint:errcheck
		return
	}
	c.send(ctx, channels.GeneralChannelID, //nolint:errcheck
		fmt.Sprintf("✅ Session %s merged into main. %s", rec.Name, detail), false)
}

func (c *Channel) tunnelCommand(ctx context.Context, channelID string, args []string) {
	reply := func(s string, silent bool) { c.send(ctx, channelID, s, silent) } //nolint:errcheck

	if len(args) > 0 && args[0] == "stop" {
		if c.cmds.StopTunnel(channelID) {
			reply("🛑 Tunnel stopped.", true)
		} else {
			reply("No tunnel running for this session.", true)
		}
		return
	}
	if _, ok := c.cmds.GetSession(channelID); !ok {
		reply("No session in this topic.", true)
		return
	}

	reply("🚇 Starting dev server and tunnel (may take up to a minute)...", true)
	url, err := c.cmds.StartTunnel(ctx, channelID)
	if err != nil {
		reply("❌ Tunnel failed: "+err.Error(), false)
		return
	}
	reply("🌐 "+url, false)
}

func (c *Channel) templateCommand(args []string) string {
	if len(args) == 0 || args[0] != "list" {
		return "Usage: /template list"
	}
	templates := c.cmds.ListTemplates()
	if len(templates) == 0 {
		return "No templates found."
	}
	var b strings.Builder
	b.WriteString("📦 Templates:\n")
	for _, t := range templates {
		fmt.Fprintf(&b, "• %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, " - %s", t.Description)
		}
		if t.DefaultAgent != "" {
			fmt.Fprintf(&b, " (agent: %s)", t.DefaultAgent)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// handleCallbackQuery resolves a permission prompt's Allow/Deny button.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	defer func() {
		if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: query.ID,
		}); err != nil {
			slog.Warn("answer callback query failed", "error", err)
		}
	}()

	action, requestID, ok := strings.Cut(query.Data, ":")
	if !ok || (action != "allow" && action != "deny") {
		return
	}
	// The prompt message may have become inaccessible; without it we
	// cannot resolve the session topic.
	msg, ok := query.Message.(*telego.Message)
	if !ok || msg == nil {
		return
	}
	channelID := channelIDFor(msg)
	allowed := action == "allow"

	if err := c.cmds.PermissionResponse(channelID, requestID, allowed); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			c.edit(ctx, msg.MessageID, msg.Text+"\n\n(session no longer active)")
			return
		}
		slog.Warn("permission response failed", "channel", channelID, "error", err)
		return
	}

	decision := "→ ✅ Allowed"
	if !allowed {
		decision = "→ ❌ Denied"
	}
	c.edit(ctx, msg.MessageID, msg.Text+"\n\n"+decision)
}
