// Package slack connects to Slack over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/types"
)

const (
	// Prefix marks Slack chat ids.
	Prefix = "sl:"

	maxMessageLength = 4000
	connectTimeout   = 30 * time.Second
)

// api is the subset of *slack.Client the channel uses.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type outbound struct {
	chatID types.ChatID
	text   string
}

// Channel is the Slack adapter.
type Channel struct {
	opts     channels.Options
	botToken string
	appToken string
	api      api
	limiter  *rate.Limiter

	mu        sync.Mutex
	connected bool
	botUserID string
	mention   *regexp.Regexp
	outgoing  []outbound
	users     map[string]string
	chats     map[string]string
	cancel    context.CancelFunc
}

// New creates a Slack channel. Nothing is contacted until Connect.
func New(botToken, appToken string, opts channels.Options) *Channel {
	return &Channel{
		opts:     opts,
		botToken: botToken,
		appToken: appToken,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		users:    make(map[string]string),
		chats:    make(map[string]string),
	}
}

func (c *Channel) Name() string { return "slack" }

// OwnsChatID reports whether chatID is a Slack chat.
func (c *Channel) OwnsChatID(chatID types.ChatID) bool {
	return chatID.Prefix() == Prefix
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect authenticates, opens the Socket Mode connection and waits for it
// to come up.
func (c *Channel) Connect(ctx context.Context) error {
	client := slack.New(c.botToken, slack.OptionAppLevelToken(c.appToken))
	c.api = client

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	c.setBotUser(auth.UserID)
	slog.Info("slack bot authenticated", "bot_user_id", auth.UserID)

	sm := socketmode.New(client)
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	up := make(chan struct{})
	go func() {
		if err := sm.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()
	go c.handleEvents(runCtx, sm, up)

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-time.After(connectTimeout):
		cancel()
		return errors.New("slack socket mode connect timed out")
	}
}

// Disconnect closes the socket. Outbound messages queue until reconnect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		slog.Info("slack bot stopped")
	}
	return nil
}

func (c *Channel) handleEvents(ctx context.Context, sm *socketmode.Client, up chan struct{}) {
	var once sync.Once
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sm.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.onConnected(ctx)
				once.Do(func() { close(up) })
			case socketmode.EventTypeConnectionError, socketmode.EventTypeDisconnect:
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				slog.Warn("slack connection lost", "type", string(evt.Type))
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if msg, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					c.handleMessage(ctx, msg)
				}
			}
		}
	}
}

func (c *Channel) setBotUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botUserID = id
	if id != "" {
		c.mention = regexp.MustCompile(`<@` + regexp.QuoteMeta(id) + `>`)
	}
}

func (c *Channel) onConnected(ctx context.Context) {
	c.mu.Lock()
	c.connected = true
	pending := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()

	slog.Info("slack connected (socket mode)", "queued", len(pending))
	for _, o := range pending {
		if err := c.post(ctx, o.chatID, o.text); err != nil {
			slog.Error("send queued slack message failed", "chat_id", string(o.chatID), "error", err)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") || ev.Channel == "" {
		return
	}

	chatID := types.NewChatID(Prefix, ev.Channel)
	content := ev.Text

	c.mu.Lock()
	mention := c.mention
	c.mu.Unlock()
	if mention != nil && mention.MatchString(content) {
		content = c.opts.WithTrigger(mention.ReplaceAllString(content, ""))
	}

	var attachments []string
	for _, f := range ev.Files {
		attachments = append(attachments, channels.AttachmentPlaceholder(f.Name, f.Mimetype))
	}
	content = channels.AppendLines(content, attachments)

	ts := parseTS(ev.TimeStamp)
	chat := &types.Chat{
		ChatID:          chatID,
		Name:            c.chatName(ctx, ev.Channel),
		Channel:         "slack",
		IsGroup:         true,
		LastMessageTime: ts,
	}
	sender := ev.User
	if sender == "" {
		sender = "unknown"
	}
	msg := &types.Message{
		ID:         ev.TimeStamp,
		ChatID:     chatID,
		Sender:     sender,
		SenderName: c.userName(ctx, sender),
		Content:    content,
		Timestamp:  ts,
	}
	c.opts.Deliver(ctx, chat, msg)
}

// parseTS converts a Slack "seconds.micros" timestamp.
func parseTS(ts string) string {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return types.FormatTimestamp(time.Now())
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return types.FormatTimestamp(time.Unix(sec, nsec))
}

func (c *Channel) userName(ctx context.Context, user string) string {
	c.mu.Lock()
	name, ok := c.users[user]
	c.mu.Unlock()
	if ok {
		return name
	}
	name = user
	if c.api != nil {
		if u, err := c.api.GetUserInfoContext(ctx, user); err == nil {
			switch {
			case u.Profile.DisplayName != "":
				name = u.Profile.DisplayName
			case u.RealName != "":
				name = u.RealName
			case u.Name != "":
				name = u.Name
			}
		}
	}
	c.mu.Lock()
	c.users[user] = name
	c.mu.Unlock()
	return name
}

func (c *Channel) chatName(ctx context.Context, channelID string) string {
	c.mu.Lock()
	name, ok := c.chats[channelID]
	c.mu.Unlock()
	if ok {
		return name
	}
	name = channelID
	if c.api != nil {
		ch, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
		if err == nil && ch.Name != "" {
			name = "#" + ch.Name
		}
	}
	c.mu.Lock()
	c.chats[channelID] = name
	c.mu.Unlock()
	return name
}

// SendMessage posts text, split at paragraph boundaries when it exceeds
// Slack's limit. While disconnected, or when a post fails, the text is
// queued and flushed on the next connect.
func (c *Channel) SendMessage(ctx context.Context, chatID types.ChatID, text string) error {
	if !c.IsConnected() {
		c.enqueue(chatID, text)
		slog.Info("slack disconnected, message queued", "chat_id", string(chatID), "length", len(text))
		return nil
	}
	if err := c.post(ctx, chatID, text); err != nil {
		c.enqueue(chatID, text)
		slog.Error("send slack message failed, queued", "chat_id", string(chatID), "error", err)
		return nil
	}
	slog.Info("slack message sent", "chat_id", string(chatID), "length", len(text))
	return nil
}

func (c *Channel) enqueue(chatID types.ChatID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing = append(c.outgoing, outbound{chatID: chatID, text: text})
}

func (c *Channel) post(ctx context.Context, chatID types.ChatID, text string) error {
	if c.api == nil {
		return errors.New("slack client not initialised")
	}
	channelID := strings.TrimPrefix(string(chatID), Prefix)
	for _, chunk := range channels.SplitText(text, maxMessageLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("post message: %w", err)
		}
	}
	return nil
}
