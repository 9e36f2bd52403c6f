//go:build integration

package test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/executor"
	"github.com/user/dispatchclaw/internal/prompt"
	"github.com/user/dispatchclaw/internal/queue"
	"github.com/user/dispatchclaw/internal/router"
	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/types"
	"github.com/user/dispatchclaw/internal/webhook"
)

// agentScript reads the request line and answers once.
const agentScript = `#!/bin/sh
read req
echo "not json"
echo '{"status":"success","result":"pong <internal>scratch</internal>","newSessionId":"sess-1"}'
`

type captureChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureChannel) Name() string                  { return "slack" }
func (c *captureChannel) Connect(context.Context) error { return nil }
func (c *captureChannel) Disconnect() error             { return nil }
func (c *captureChannel) IsConnected() bool             { return true }
func (c *captureChannel) OwnsChatID(id types.ChatID) bool {
	return id.Prefix() == "sl:"
}

func (c *captureChannel) SendMessage(_ context.Context, _ types.ChatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(filepath.Join(dir, "store", "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	scriptPath := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(scriptPath, []byte(agentScript), 0o755); err != nil {
		t.Fatal(err)
	}
	engine, err := prompt.New("gpt-4o", 8000)
	if err != nil {
		t.Fatal(err)
	}

	groupsDir := filepath.Join(dir, "groups")
	runner := executor.NewRunner("sh "+scriptPath, groupsDir, dir, 30*time.Second)
	q := queue.NewQueue(2)
	q.Start(ctx)
	reg := channels.NewRegistry()
	ch := &captureChannel{}
	reg.Register(ch)

	rt := router.New(router.Config{
		AssistantName: "Andy",
		MainFolder:    "main",
		PollInterval:  20 * time.Millisecond,
		IdleTimeout:   time.Second,
		GroupsDir:     groupsDir,
		DataDir:       dir,
	}, st, q, runner, reg, engine)
	q.SetProcessor(rt.ProcessChat)
	if err := rt.LoadState(ctx); err != nil {
		t.Fatal(err)
	}

	chat := types.NewChatID("sl", "CMAIN")
	if err := rt.RegisterGroup(ctx, &types.Group{ChatID: chat, Name: "Main", Folder: "main", AddedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	opts := channels.Options{Inbound: st, IsRegistered: rt.IsRegistered, AssistantName: "Andy"}
	opts.Deliver(ctx, &types.Chat{ChatID: chat, Name: "Main", Channel: "slack"}, &types.Message{
		ID:         "m1",
		ChatID:     chat,
		Sender:     "U1",
		SenderName: "Alice",
		Content:    "ping",
		Timestamp:  types.FormatTimestamp(time.Now()),
	})

	go rt.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	for len(ch.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	got := ch.messages()
	if len(got) != 1 || got[0] != "pong" {
		t.Fatalf("sent = %q, want [pong]", got)
	}
	if !q.WaitIdle(5 * time.Second) {
		t.Fatal("queue did not go idle")
	}
	if rt.Cursor(chat) == "" {
		t.Error("chat cursor not advanced")
	}
	if id, err := st.GetSession(ctx, "main"); err != nil || id != "sess-1" {
		t.Errorf("session = %q, %v; want sess-1", id, err)
	}

	srv := webhook.NewServer(webhook.Options{Channels: reg})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var h webhook.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || !h.Slack.Connected {
		t.Errorf("health = %+v", h)
	}

	cancel()
	q.Shutdown(context.Background(), time.Second)
}
