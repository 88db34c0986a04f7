package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/store"
)

// sendTimeout bounds one outbound Bot API call from the renderer.
const sendTimeout = 30 * time.Second

// renderer consumes bus events and turns them into topic messages.
//
// Level policy: internal events are skipped, progress events are stored
// and only sent (silently) for verbose sessions, info events are sent
// silently, notify events are sent with notification.
type renderer struct {
	channel *Channel
	msgs    *store.MessageStore
	bus     *bus.Bus

	wg      sync.WaitGroup
	closers []func()
}

func newRenderer(c *Channel, msgs *store.MessageStore, eventBus *bus.Bus) *renderer {
	return &renderer{channel: c, msgs: msgs, bus: eventBus}
}

func (r *renderer) start() {
	consume(r, r.onAssistant)
	consume(r, r.onPermissionRequest)
	consume(r, r.onResult)
	consume(r, r.onInputRequest)
	consume(r, r.onStopped)
	consume(r, r.onFileReady)
	consume(r, r.onSessionCreated)
}

func (r *renderer) stop() {
	for _, closeSub := range r.closers {
		closeSub()
	}
	r.closers = nil
	r.wg.Wait()
}

// consume subscribes to one event type and drains it on a goroutine
// until stop closes the subscription.
func consume[T any](r *renderer, handle func(T)) {
	sub := bus.Subscribe[T](r.bus, 0)
	r.closers = append(r.closers, sub.Close)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.C() {
			handle(ev)
		}
	}()
}

func (r *renderer) send(channelID, text string, silent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	r.channel.send(ctx, channelID, text, silent) //nolint:errcheck // logged inside
}

func (r *renderer) record(channelID, role, text string) {
	r.msgs.Append(channelID, store.Message{Role: role, Text: text})
}

// onAssistant renders one assistant message. Text blocks are the
// operator-facing output; tool blocks are progress noise that only
// verbose sessions see.
func (r *renderer) onAssistant(ev bus.AgentAssistant) {
	var texts, toolLines []string
	for _, b := range ev.ContentBlocks {
		switch b.Type {
		case "text":
			if s := strings.TrimSpace(b.Text); s != "" {
				texts = append(texts, s)
			}
		case "tool_use":
			toolLines = append(toolLines, fmt.Sprintf("🔧 %s: %s", b.Name, summarizeToolArgs(b.Input)))
		case "tool_result":
			toolLines = append(toolLines, summarizeToolResult(b))
		}
	}

	for _, t := range texts {
		r.record(ev.ChannelID, "agent", t)
		r.send(ev.ChannelID, t, true)
	}
	for _, line := range toolLines {
		r.record(ev.ChannelID, "agent", line)
		if ev.Verbose {
			r.send(ev.ChannelID, line, true)
		}
	}
}

func (r *renderer) onPermissionRequest(ev bus.AgentPermissionRequest) {
	args := summarizeToolArgs(ev.ToolInput)
	r.record(ev.ChannelID, "system", fmt.Sprintf("Permission requested: %s %s", ev.ToolName, args))

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.channel.sendPermissionRequest(ctx, ev.ChannelID, ev.ToolName, args, ev.RequestID); err != nil {
		// Keyboard failed; fall back to a plain prompt so the operator
		// can still answer via /stop or the web surface.
		r.send(ev.ChannelID, fmt.Sprintf("⚠️ Tool execution request\n🔧 %s: %s", ev.ToolName, args), false)
	}
}

func (r *renderer) onResult(ev bus.AgentResult) {
	text := fmt.Sprintf("✅ Done ($%.4f, %.1fs)", ev.CostUSD, float64(ev.DurationMS)/1000)
	r.record(ev.ChannelID, "system", text)
	r.send(ev.ChannelID, text, false)
}

func (r *renderer) onInputRequest(ev bus.AgentInputRequest) {
	r.send(ev.ChannelID, "💬 Ready for your input", true)
}

func (r *renderer) onStopped(ev bus.AgentStopped) {
	text := fmt.Sprintf("🔴 Agent exited unexpectedly. Session %s has been removed.", ev.SessionName)
	r.record(ev.ChannelID, "system", text)
	r.send(ev.ChannelID, text, false)

	// A crashed session's topic is closed the same way Stop closes it,
	// so crashes never leave orphan topics.
	if ev.ManagedChannel {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := r.channel.CloseChannel(ctx, ev.ChannelID); err != nil {
			slog.Warn("failed to close crashed session topic", "channel", ev.ChannelID, "error", err)
		}
	}
}

func (r *renderer) onFileReady(ev bus.FileReady) {
	r.record(ev.ChannelID, "system", "File ready: "+ev.FileName)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.channel.sendFile(ctx, ev.ChannelID, ev.FilePath, ev.FileName); err != nil {
		r.send(ev.ChannelID, fmt.Sprintf("📄 %s is ready at %s (upload failed: %v)", ev.FileName, ev.FilePath, err), false)
	}
}

// onSessionCreated greets the new topic. Sessions opened by other
// control planes have non-numeric channel ids and are not topics here.
func (r *renderer) onSessionCreated(ev bus.SessionCreated) {
	if _, err := strconv.Atoi(ev.ChannelID); err != nil {
		return
	}
	text := fmt.Sprintf("🚀 Session %s created\n📁 Project: %s\n🌿 Worktree: %s\n\nSend a message to start the agent.",
		ev.SessionName, ev.ProjectName, ev.WorktreePath)
	r.record(ev.ChannelID, "system", text)
	r.send(ev.ChannelID, text, true)
}

// summarizeToolArgs picks the most informative argument for a one-line
// preview. Full inputs live in the raw agent log.
func summarizeToolArgs(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query", "prompt", "content", "description"} {
		if v, ok := input[key].(string); ok && v != "" {
			if len(v) > 200 {
				v = v[:200] + "…"
			}
			return v
		}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

func summarizeToolResult(b bus.ContentBlock) string {
	content := strings.TrimSpace(b.Content)
	if len(content) > 500 {
		content = content[:500] + "…"
	}
	if b.IsError {
		return "❌ Tool error: " + content
	}
	if content == "" {
		return "📎 Tool result (empty)"
	}
	return "📎 Tool result: " + content
}
