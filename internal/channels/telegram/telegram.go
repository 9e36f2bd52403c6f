// Package telegram bridges Telegram bots over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/types"
)

// Prefix marks Telegram chat ids.
const Prefix = "tg:"

const maxTelegramMessage = 4096

type bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Channel is the Telegram adapter.
type Channel struct {
	opts  channels.Options
	token string

	mu        sync.Mutex
	bot       bot
	username  string
	mention   *regexp.Regexp
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Telegram channel. The bot is contacted on Connect.
func New(token string, opts channels.Options) *Channel {
	return &Channel{opts: opts, token: token}
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) OwnsChatID(chatID types.ChatID) bool {
	return chatID.Prefix() == Prefix
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect authenticates the bot and starts long polling in the background.
func (c *Channel) Connect(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	c.attach(api, api.Self.UserName)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.connected = true
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.poll(runCtx)
	}()
	slog.Info("telegram bot connected", "username", api.Self.UserName)
	return nil
}

func (c *Channel) attach(b bot, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bot = b
	c.username = username
	if username != "" {
		c.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(username) + `\b`)
	}
}

// Disconnect stops long polling.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.connected = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *Channel) poll(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := types.NewChatID(Prefix, strconv.FormatInt(msg.Chat.ID, 10))

	if msg.IsCommand() && msg.Command() == "chatid" {
		c.reply(msg.Chat.ID, fmt.Sprintf("Chat ID: `%s`", chatID))
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	c.mu.Lock()
	mention := c.mention
	c.mu.Unlock()
	if mention != nil && mention.MatchString(content) {
		content = c.opts.WithTrigger(mention.ReplaceAllString(content, ""))
	}
	content = channels.AppendLines(content, placeholders(msg))

	ts := types.FormatTimestamp(msg.Time())
	chat := &types.Chat{
		ChatID:          chatID,
		Name:            chatName(msg.Chat),
		Channel:         "telegram",
		IsGroup:         msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		LastMessageTime: ts,
	}
	m := &types.Message{
		ID:         strconv.Itoa(msg.MessageID),
		ChatID:     chatID,
		Sender:     senderID(msg.From),
		SenderName: senderName(msg.From),
		Content:    content,
		Timestamp:  ts,
	}
	c.opts.Deliver(ctx, chat, m)
}

func placeholders(msg *tgbotapi.Message) []string {
	var out []string
	switch {
	case len(msg.Photo) > 0:
		out = append(out, "[Photo]")
	case msg.Video != nil:
		out = append(out, channels.AttachmentPlaceholder(msg.Video.FileName, "video/"))
	case msg.Voice != nil:
		out = append(out, "[Voice message]")
	case msg.Audio != nil:
		out = append(out, channels.AttachmentPlaceholder(msg.Audio.FileName, "audio/"))
	case msg.Document != nil:
		out = append(out, channels.AttachmentPlaceholder(msg.Document.FileName, msg.Document.MimeType))
	case msg.Sticker != nil:
		out = append(out, "[Sticker "+msg.Sticker.Emoji+"]")
	case msg.Location != nil:
		out = append(out, "[Location]")
	}
	return out
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.UserName
	}
	return name
}

func senderID(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	return strconv.FormatInt(u.ID, 10)
}

func senderName(u *tgbotapi.User) string {
	if u == nil {
		return "Unknown"
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

// SendMessage sends text in chunks, falling back to plain text when
// Telegram rejects the Markdown.
func (c *Channel) SendMessage(ctx context.Context, chatID types.ChatID, text string) error {
	id, err := strconv.ParseInt(chatID.Native(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %s: %w", chatID, err)
	}
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return fmt.Errorf("telegram bot not connected")
	}
	for _, part := range channels.SplitText(text, maxTelegramMessage) {
		msg := tgbotapi.NewMessage(id, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := b.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := b.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

// SetTyping sends a typing action. Telegram clears it on its own.
func (c *Channel) SetTyping(ctx context.Context, chatID types.ChatID, on bool) error {
	if !on {
		return nil
	}
	id, err := strconv.ParseInt(chatID.Native(), 10, 64)
	if err != nil {
		return err
	}
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	_, err = b.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

func (c *Channel) reply(chatID int64, text string) {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.Send(msg); err != nil {
		slog.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}
