package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id string, chat types.ChatID, ts, content string) *types.Message {
	return &types.Message{ID: id, ChatID: chat, Sender: "u1", SenderName: "User", Content: content, Timestamp: ts}
}

func TestOpenTwiceKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "messages.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.SetState(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetState(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestGetNewMessagesAcrossChats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, b, other := types.ChatID("sl:A"), types.ChatID("sl:B"), types.ChatID("sl:X")
	for _, m := range []*types.Message{
		msg("1", a, "2026-01-01T00:00:01.000Z", "one"),
		msg("2", b, "2026-01-01T00:00:02.000Z", "two"),
		msg("3", other, "2026-01-01T00:00:03.000Z", "unregistered"),
		msg("4", a, "2026-01-01T00:00:04.000Z", "Andy: my own reply"),
	} {
		if err := s.StoreMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, cursor, err := s.GetNewMessages(ctx, []types.ChatID{a, b}, "", "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("unexpected order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if cursor != "2026-01-01T00:00:02.000Z" {
		t.Errorf("expected cursor at second message, got %q", cursor)
	}

	msgs, cursor2, err := s.GetNewMessages(ctx, []types.ChatID{a, b}, cursor, "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected nothing new, got %d", len(msgs))
	}
	if cursor2 != cursor {
		t.Errorf("cursor must not move without messages, got %q", cursor2)
	}
}

func TestGetNewMessagesNoChats(t *testing.T) {
	s := openTestStore(t)
	msgs, cursor, err := s.GetNewMessages(context.Background(), nil, "c", "Andy")
	if err != nil || msgs != nil || cursor != "c" {
		t.Errorf("expected passthrough, got %v %q %v", msgs, cursor, err)
	}
}

func TestGetMessagesSinceExcludesBotMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := types.ChatID("tg:1")

	bot := msg("b", chat, "2026-01-01T00:00:02.000Z", "automated")
	bot.IsBotMessage = true
	for _, m := range []*types.Message{
		msg("a", chat, "2026-01-01T00:00:01.000Z", "hello"),
		bot,
		msg("c", chat, "2026-01-01T00:00:03.000Z", "again"),
	} {
		if err := s.StoreMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessagesSince(ctx, chat, "2026-01-01T00:00:01.000Z", "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "c" {
		t.Fatalf("expected only message c, got %+v", msgs)
	}
}

func TestStoreMessageIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := types.ChatID("sl:A")
	m := msg("am-1", chat, "2026-01-01T00:00:01.000Z", "first")
	if err := s.StoreMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.GetMessagesSince(ctx, chat, "", "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message after redelivery, got %d", len(msgs))
	}
}

func TestChatMetadataKeepsNameAndNewestTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	chat := types.ChatID("sl:A")
	if err := s.StoreChatMetadata(ctx, &types.Chat{ChatID: chat, Name: "#general", Channel: "slack", IsGroup: true, LastMessageTime: "2026-01-02T00:00:00.000Z"}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChatMetadata(ctx, &types.Chat{ChatID: chat, IsGroup: true, LastMessageTime: "2026-01-01T00:00:00.000Z"}); err != nil {
		t.Fatal(err)
	}
	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}
	if chats[0].Name != "#general" {
		t.Errorf("expected name kept, got %q", chats[0].Name)
	}
	if chats[0].LastMessageTime != "2026-01-02T00:00:00.000Z" {
		t.Errorf("expected newest time kept, got %q", chats[0].LastMessageTime)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSession(ctx, "main", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "main", "s2"); err != nil {
		t.Fatal(err)
	}
	all, err := s.AllSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["main"] != "s2" {
		t.Errorf("expected s2, got %q", all["main"])
	}
	if err := s.DeleteSession(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "main"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected session deleted, got %v", err)
	}
}

func TestGroups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := &types.Group{ChatID: "sl:C1", Name: "ops", Folder: "ops", Trigger: "@Andy", RequiresTrigger: true}
	if err := s.SetGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetGroup(ctx, "sl:C1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Folder != "ops" || !got.RequiresTrigger {
		t.Errorf("unexpected group %+v", got)
	}
	if got.AddedAt.IsZero() {
		t.Error("expected added_at to be set")
	}

	all, err := s.AllGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 group, got %d", len(all))
	}
	if err := s.DeleteGroup(ctx, "sl:C1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteGroup(ctx, "sl:C1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestBlockerLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	if err := s.TrackBlocker(ctx, 7, "worker", "[BLOCKED] need creds", t0); err != nil {
		t.Fatal(err)
	}
	// second sighting must not reset first_posted
	if err := s.TrackBlocker(ctx, 7, "worker", "[BLOCKED] need creds", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	bs, err := s.UnresolvedBlockers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) != 1 || !bs[0].FirstPosted.Equal(t0) {
		t.Fatalf("expected one blocker first posted at t0, got %+v", bs)
	}

	if err := s.EscalateBlocker(ctx, 7, 1, t0.Add(31*time.Minute)); err != nil {
		t.Fatal(err)
	}
	// a stale write for a lower level is ignored
	if err := s.EscalateBlocker(ctx, 7, 1, t0.Add(32*time.Minute)); err != nil {
		t.Fatal(err)
	}
	bs, _ = s.UnresolvedBlockers(ctx)
	if bs[0].Level != 1 || !bs[0].LastEscalated.Equal(t0.Add(31*time.Minute)) {
		t.Errorf("unexpected escalation state %+v", bs[0])
	}

	if err := s.ResolveBlocker(ctx, 7); err != nil {
		t.Fatal(err)
	}
	bs, _ = s.UnresolvedBlockers(ctx)
	if len(bs) != 0 {
		t.Errorf("expected resolved blocker excluded, got %d", len(bs))
	}
	all, _ := s.ListBlockers(ctx, true)
	if len(all) != 1 || !all[0].Resolved {
		t.Errorf("expected resolved blocker listed, got %+v", all)
	}
	if err := s.ResolveBlocker(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSilentAgents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := s.RecordActivity(ctx, "old", types.FormatTimestamp(now.Add(-7*time.Hour)), "stale work"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordActivity(ctx, "fresh", types.FormatTimestamp(now.Add(-time.Hour)), "recent"); err != nil {
		t.Fatal(err)
	}
	silent, err := s.SilentAgents(ctx, now.Add(-6*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(silent) != 1 || silent[0].Name != "old" || silent[0].LastSubject != "stale work" {
		t.Errorf("expected only old agent, got %+v", silent)
	}

	if err := s.RecordActivity(ctx, "old", types.FormatTimestamp(now), "back"); err != nil {
		t.Fatal(err)
	}
	silent, _ = s.SilentAgents(ctx, now.Add(-6*time.Hour))
	if len(silent) != 0 {
		t.Errorf("expected no silent agents after activity, got %d", len(silent))
	}
}

func TestTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &types.Task{Name: "brief", ChatID: "sl:C1", Prompt: "summarize", Schedule: "0 8 * * 1-5", Enabled: true}
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask(ctx, task); err == nil {
		t.Error("expected duplicate task error")
	}
	if err := s.SetTaskEnabled(ctx, "brief", false); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, "brief")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("expected task disabled")
	}
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(tasks))
	}
	if err := s.RemoveTask(ctx, "brief"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTask(ctx, "brief"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
