// Package telegram drives a Telegram forum supergroup as a control
// plane: one forum topic per session, slash commands in any topic, and
// inline keyboards for permission prompts.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/channels"
	"github.com/nextlevelbuilder/afk/internal/command"
)

// maxMessageLength is Telegram's hard per-message limit.
const maxMessageLength = 4096

// Config holds the Telegram control-plane settings.
type Config struct {
	Token   string
	GroupID int64 // forum supergroup the bot manages
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot      *telego.Bot
	config   Config
	cmds     *command.Commands
	renderer *renderer

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram control plane.
func New(cfg Config, cmds *command.Commands, eventBus *bus.Bus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{bot: bot, config: cfg, cmds: cmds}
	c.renderer = newRenderer(c, cmds.Messages(), eventBus)
	return c, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for updates and starts the event renderer.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())
	c.renderer.start()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					c.handleCallbackQuery(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the update loop so Telegram
// releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.renderer.stop()

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// OpenChannel creates a forum topic named after the session. The
// channel id is the topic's message thread id.
func (c *Channel) OpenChannel(ctx context.Context, title string) (string, error) {
	topic, err := c.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(c.config.GroupID),
		Name:   title,
	})
	if err != nil {
		return "", fmt.Errorf("create forum topic: %w", err)
	}
	return strconv.Itoa(topic.MessageThreadID), nil
}

// CloseChannel deletes a session's forum topic.
func (c *Channel) CloseChannel(ctx context.Context, channelID string) error {
	threadID, err := strconv.Atoi(channelID)
	if err != nil {
		return fmt.Errorf("not a telegram channel id: %q", channelID)
	}
	if err := c.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
		ChatID:          tu.ID(c.config.GroupID),
		MessageThreadID: threadID,
	}); err != nil {
		return fmt.Errorf("delete forum topic: %w", err)
	}
	return nil
}

// channelLink builds a t.me deep link to a session's topic. Supergroup
// links drop the -100 chat-id prefix.
func (c *Channel) channelLink(channelID string) string {
	chatPart := strings.TrimPrefix(strconv.FormatInt(c.config.GroupID, 10), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%s", chatPart, channelID)
}

// send delivers text to a channel, splitting at the Telegram length
// limit. Returns the last message id.
func (c *Channel) send(ctx context.Context, channelID, text string, silent bool) (int, error) {
	threadID := c.threadID(channelID)

	lastID := 0
	for _, chunk := range splitMessage(text) {
		params := tu.Message(tu.ID(c.config.GroupID), chunk)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		params.DisableNotification = silent

		msg, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return 0, fmt.Errorf("telegram send: %w", err)
		}
		lastID = msg.MessageID
	}
	return lastID, nil
}

// edit replaces a previously sent message's text. Best-effort.
func (c *Channel) edit(ctx context.Context, messageID int, text string) {
	if messageID == 0 {
		return
	}
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(c.config.GroupID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		slog.Warn("telegram edit failed", "message_id", messageID, "error", err)
	}
}

// sendPermissionRequest posts a prompt with Allow/Deny inline buttons.
// The decision comes back as a callback query carrying the request id.
func (c *Channel) sendPermissionRequest(ctx context.Context, channelID, toolName, args, requestID string) error {
	if len(args) > 500 {
		args = args[:500] + "…"
	}
	params := tu.Message(tu.ID(c.config.GroupID),
		fmt.Sprintf("⚠️ Tool execution request\n🔧 %s: %s", toolName, args))
	if threadID := c.threadID(channelID); threadID > 0 {
		params.MessageThreadID = threadID
	}
	params.ReplyMarkup = tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Allow").WithCallbackData("allow:"+requestID),
			tu.InlineKeyboardButton("❌ Deny").WithCallbackData("deny:"+requestID),
		),
	)

	_, err := c.bot.SendMessage(ctx, params)
	return err
}

// sendFile uploads a file produced by an agent into the topic.
func (c *Channel) sendFile(ctx context.Context, channelID, filePath, fileName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if fileName == "" {
		fileName = filepath.Base(filePath)
	}
	params := &telego.SendDocumentParams{
		ChatID:   tu.ID(c.config.GroupID),
		Document: tu.File(tu.NameReader(f, fileName)),
	}
	if threadID := c.threadID(channelID); threadID > 0 {
		params.MessageThreadID = threadID
	}
	_, err = c.bot.SendDocument(ctx, params)
	return err
}

// downloadVoice fetches a voice note to a temp file and returns its path.
func (c *Channel) downloadVoice(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("voice download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".oga"
	}
	tmp, err := os.CreateTemp("", "afk_voice_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save voice: %w", err)
	}
	return tmp.Name(), nil
}

// channelIDFor maps an incoming message to its channel id: the forum
// topic thread id, or the shared general channel.
func channelIDFor(msg *telego.Message) string {
	if msg.MessageThreadID > 0 {
		return strconv.Itoa(msg.MessageThreadID)
	}
	return channels.GeneralChannelID
}

// threadID converts a channel id back to a topic thread id for sends.
func (c *Channel) threadID(channelID string) int {
	if channelID == channels.GeneralChannelID {
		return 0
	}
	id, err := strconv.Atoi(channelID)
	if err != nil {
		return 0
	}
	return id
}

// splitMessage chunks text at the Telegram limit, preferring newline
// boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxMessageLength {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:maxMessageLength], "\n")
		if cut <= 0 {
			cut = maxMessageLength
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return chunks
}
