package slack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/types"
)

type fakeAPI struct {
	mu      sync.Mutex
	posts   []string
	failing bool
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	u := &slack.User{Name: "alice.handle", RealName: "Alice Real"}
	u.Profile.DisplayName = "alice"
	return u, nil
}

func (f *fakeAPI) GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	ch := &slack.Channel{}
	ch.Name = "general"
	return ch, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", "", errors.New("rate_limited")
	}
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, channelID+"|"+values.Get("text"))
	return channelID, "1.0", nil
}

type memInbound struct {
	mu    sync.Mutex
	msgs  []*types.Message
	chats []*types.Chat
}

func (m *memInbound) StoreMessage(ctx context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memInbound) StoreChatMetadata(ctx context.Context, c *types.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, c)
	return nil
}

func newTestChannel(in *memInbound, api *fakeAPI) *Channel {
	c := New("xoxb", "xapp", channels.Options{
		Inbound:       in,
		IsRegistered:  func(id types.ChatID) bool { return id == "sl:C1" },
		AssistantName: "Andy",
	})
	c.api = api
	c.setBotUser("UBOT")
	return c
}

func TestHandleMessageRewritesMention(t *testing.T) {
	in := &memInbound{}
	c := newTestChannel(in, &fakeAPI{})

	c.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U1", Channel: "C1", Text: "<@UBOT> what's up", TimeStamp: "1767225600.000100",
	})

	if len(in.msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(in.msgs))
	}
	m := in.msgs[0]
	if m.Content != "@Andy what's up" {
		t.Errorf("expected mention rewritten to trigger, got %q", m.Content)
	}
	if m.ChatID != "sl:C1" || m.SenderName != "alice" || m.ID != "1767225600.000100" {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Timestamp != "2026-01-01T00:00:00.000Z" {
		t.Errorf("unexpected timestamp %q", m.Timestamp)
	}
	if in.chats[0].Name != "#general" {
		t.Errorf("expected channel name, got %q", in.chats[0].Name)
	}
}

func TestHandleMessageSkipsBotsAndSubtypes(t *testing.T) {
	in := &memInbound{}
	c := newTestChannel(in, &fakeAPI{})
	ctx := context.Background()

	c.handleMessage(ctx, &slackevents.MessageEvent{BotID: "B1", Channel: "C1", Text: "bot says"})
	c.handleMessage(ctx, &slackevents.MessageEvent{SubType: "message_changed", Channel: "C1", Text: "edit"})
	if len(in.msgs) != 0 || len(in.chats) != 0 {
		t.Errorf("expected nothing recorded, got %d msgs %d chats", len(in.msgs), len(in.chats))
	}
}

func TestHandleMessageUnregisteredRecordsMetadataOnly(t *testing.T) {
	in := &memInbound{}
	c := newTestChannel(in, &fakeAPI{})
	c.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "C9", Text: "hi", TimeStamp: "1.0"})
	if len(in.msgs) != 0 {
		t.Error("expected message from unregistered channel to be dropped")
	}
	if len(in.chats) != 1 || in.chats[0].ChatID != "sl:C9" {
		t.Errorf("expected metadata recorded, got %+v", in.chats)
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	api := &fakeAPI{}
	c := newTestChannel(&memInbound{}, api)
	ctx := context.Background()

	if err := c.SendMessage(ctx, "sl:C1", "first"); err != nil {
		t.Fatal(err)
	}
	if len(api.posts) != 0 {
		t.Fatal("expected nothing posted while disconnected")
	}
	c.onConnected(ctx)
	if len(api.posts) != 1 || api.posts[0] != "C1|first" {
		t.Errorf("expected queued message flushed, got %v", api.posts)
	}

	if err := c.SendMessage(ctx, "sl:C1", "second"); err != nil {
		t.Fatal(err)
	}
	if len(api.posts) != 2 {
		t.Errorf("expected direct post when connected, got %v", api.posts)
	}
}

func TestSendFailureQueues(t *testing.T) {
	api := &fakeAPI{failing: true}
	c := newTestChannel(&memInbound{}, api)
	ctx := context.Background()
	c.onConnected(ctx)

	if err := c.SendMessage(ctx, "sl:C1", "retry me"); err != nil {
		t.Fatal(err)
	}
	api.failing = false
	c.onConnected(ctx)
	if len(api.posts) != 1 || api.posts[0] != "C1|retry me" {
		t.Errorf("expected failed message retried on reconnect, got %v", api.posts)
	}
}

func TestOwnsChatID(t *testing.T) {
	c := New("", "", channels.Options{})
	if !c.OwnsChatID("sl:C1") || c.OwnsChatID("tg:1") {
		t.Error("unexpected ownership")
	}
}
