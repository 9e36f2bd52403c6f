package discord

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/types"
)

type memInbound struct {
	msgs  []*types.Message
	chats []*types.Chat
}

func (m *memInbound) StoreMessage(ctx context.Context, msg *types.Message) error {
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memInbound) StoreChatMetadata(ctx context.Context, c *types.Chat) error {
	m.chats = append(m.chats, c)
	return nil
}

func newTestChannel(in *memInbound) *Channel {
	c := New("token", channels.Options{
		Inbound:       in,
		IsRegistered:  func(id types.ChatID) bool { return id == "dc:C1" },
		AssistantName: "Andy",
	})
	c.botUserID = "BOT"
	return c
}

func TestHandleMessageMention(t *testing.T) {
	in := &memInbound{}
	c := newTestChannel(in)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.handleMessage(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "C1",
		GuildID:   "G1",
		Content:   "<@BOT> ping",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "U1", Username: "ada", GlobalName: "Ada"},
		Mentions:  []*discordgo.User{{ID: "BOT"}},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "shot.png", ContentType: "image/png"},
		},
	}}, "#ops")

	if len(in.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(in.msgs))
	}
	m := in.msgs[0]
	if m.Content != "@Andy ping\n[Image: shot.png]" {
		t.Errorf("unexpected content %q", m.Content)
	}
	if m.SenderName != "Ada" || m.Timestamp != "2026-03-01T12:00:00.000Z" {
		t.Errorf("unexpected message %+v", m)
	}
	if !in.chats[0].IsGroup || in.chats[0].Name != "#ops" {
		t.Errorf("unexpected chat %+v", in.chats[0])
	}
}

func TestHandleMessageIgnoresBots(t *testing.T) {
	in := &memInbound{}
	c := newTestChannel(in)
	c.handleMessage(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", Content: "beep", Author: &discordgo.User{ID: "X", Bot: true},
	}}, "C1")
	c.handleMessage(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", Content: "self", Author: &discordgo.User{ID: "BOT"},
	}}, "C1")
	if len(in.msgs)+len(in.chats) != 0 {
		t.Error("expected bot messages ignored")
	}
}

func TestSendMessageChunks(t *testing.T) {
	c := newTestChannel(&memInbound{})
	var sent []string
	c.send = func(channelID, content string) error {
		sent = append(sent, channelID+"|"+content)
		return nil
	}
	if err := c.SendMessage(context.Background(), "dc:C1", strings.Repeat("x", 2500)); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 || !strings.HasPrefix(sent[0], "C1|") {
		t.Errorf("unexpected sends %d", len(sent))
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	c := New("token", channels.Options{})
	if err := c.SendMessage(context.Background(), "dc:C1", "hi"); err == nil {
		t.Error("expected error before connect")
	}
}
