// Package discord connects to Discord through the bot gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/types"
)

// Prefix marks Discord chat ids.
const Prefix = "dc:"

const maxDiscordMessage = 2000

// Channel is the Discord adapter.
type Channel struct {
	opts  channels.Options
	token string

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	connected bool
	// send is swapped in tests.
	send func(channelID, content string) error
}

// New creates a Discord channel. The gateway is opened on Connect.
func New(token string, opts channels.Options) *Channel {
	return &Channel{opts: opts, token: token}
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) OwnsChatID(chatID types.ChatID) bool {
	return chatID.Prefix() == Prefix
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the gateway session and resolves the bot identity.
func (c *Channel) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(context.Background(), m, channelName(s, m.ChannelID))
	})
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.botUserID = user.ID
	c.connected = true
	c.send = func(channelID, content string) error {
		_, err := session.ChannelMessageSend(channelID, content)
		return err
	}
	c.mu.Unlock()
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway session.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.connected = false
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func channelName(s *discordgo.Session, channelID string) string {
	if s == nil || s.State == nil {
		return channelID
	}
	ch, err := s.State.Channel(channelID)
	if err != nil || ch.Name == "" {
		return channelID
	}
	return "#" + ch.Name
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate, name string) {
	c.mu.Lock()
	botID := c.botUserID
	c.mu.Unlock()

	if m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return
	}

	chatID := types.NewChatID(Prefix, m.ChannelID)
	content := m.Content
	if botID != "" {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == botID {
				mentioned = true
				break
			}
		}
		if mentioned {
			stripped := strings.NewReplacer("<@"+botID+">", "", "<@!"+botID+">", "").Replace(content)
			content = c.opts.WithTrigger(stripped)
		}
	}

	var attachments []string
	for _, a := range m.Attachments {
		attachments = append(attachments, channels.AttachmentPlaceholder(a.Filename, a.ContentType))
	}
	content = channels.AppendLines(content, attachments)

	ts := types.FormatTimestamp(m.Timestamp)
	chat := &types.Chat{
		ChatID:          chatID,
		Name:            name,
		Channel:         "discord",
		IsGroup:         m.GuildID != "",
		LastMessageTime: ts,
	}
	msg := &types.Message{
		ID:         m.ID,
		ChatID:     chatID,
		Sender:     m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    content,
		Timestamp:  ts,
	}
	c.opts.Deliver(ctx, chat, msg)
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// SendMessage sends text split at Discord's 2000 character limit.
func (c *Channel) SendMessage(ctx context.Context, chatID types.ChatID, text string) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return fmt.Errorf("discord bot not connected")
	}
	for _, chunk := range channels.SplitText(text, maxDiscordMessage) {
		if err := send(chatID.Native(), chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SetTyping triggers Discord's typing indicator, which expires on its own.
func (c *Channel) SetTyping(ctx context.Context, chatID types.ChatID, on bool) error {
	if !on {
		return nil
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.ChannelTyping(chatID.Native())
}
