package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/types"
)

type fakeChannels struct {
	statuses []channels.Status
}

func (f *fakeChannels) Statuses() []channels.Status { return f.statuses }

func (f *fakeChannels) AnyConnected() bool {
	for _, s := range f.statuses {
		if s.Connected {
			return true
		}
	}
	return false
}

type fakeTasks map[string]*types.Task

func (f fakeTasks) GetTask(_ context.Context, name string) (*types.Task, error) {
	t, ok := f[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func serve(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthOK(t *testing.T) {
	chans := &fakeChannels{statuses: []channels.Status{
		{Name: "slack", Connected: true},
		{Name: "telegram", Connected: false},
	}}
	srv := NewServer(Options{
		Channels: chans,
		AgentMail: func() poller.Status {
			return poller.Status{State: poller.StateConnected, LastPollTS: "2024-01-01T00:00:00.000Z"}
		},
	})
	srv.started = time.Now().Add(-90 * time.Second)

	w := serve(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if slack, _ := resp["slack"].(map[string]any); slack["connected"] != true {
		t.Errorf("expected slack connected, got %v", resp["slack"])
	}
	if chs, _ := resp["channels"].([]any); len(chs) != 2 {
		t.Errorf("expected 2 channels, got %v", resp["channels"])
	}
	am, _ := resp["agentMail"].(map[string]any)
	if am["status"] != string(poller.StateConnected) || am["lastPollTs"] != "2024-01-01T00:00:00.000Z" {
		t.Errorf("unexpected agentMail %v", resp["agentMail"])
	}
	if _, ok := resp["email"]; ok {
		t.Error("email should be omitted when not configured")
	}
	if up, _ := resp["uptime"].(float64); up < 90 {
		t.Errorf("expected uptime >= 90, got %v", resp["uptime"])
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := NewServer(Options{Channels: &fakeChannels{statuses: []channels.Status{{Name: "slack"}}}})
	w := serve(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"degraded"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	srv := NewServer(Options{})
	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/metrics"},
		{http.MethodPost, "/health"},
	} {
		if w := serve(srv, c.method, c.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", c.method, c.path, w.Code)
		}
	}
}

func TestNamedTask(t *testing.T) {
	var queued []*types.Task
	srv := NewServer(Options{
		Tasks: fakeTasks{
			"digest": {Name: "digest", ChatID: "sl:C1", Prompt: "summarize", Enabled: true},
			"off":    {Name: "off", ChatID: "sl:C1", Prompt: "x", Enabled: false},
		},
		RunTask: func(task *types.Task) error {
			queued = append(queued, task)
			return nil
		},
	})

	w := serve(srv, http.MethodPost, "/webhook/digest", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(queued) != 1 || queued[0].Prompt != "summarize" {
		t.Fatalf("unexpected queued tasks %+v", queued)
	}

	w = serve(srv, http.MethodPost, "/webhook/digest", `{"prompt":"just today"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if queued[1].Prompt != "just today" {
		t.Errorf("expected override prompt, got %q", queued[1].Prompt)
	}
	if queued[0].Prompt != "summarize" {
		t.Error("override must not modify the stored task")
	}

	if w := serve(srv, http.MethodPost, "/webhook/off", ""); w.Code != http.StatusForbidden {
		t.Errorf("disabled task: expected 403, got %d", w.Code)
	}
	if w := serve(srv, http.MethodPost, "/webhook/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing task: expected 404, got %d", w.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := NewServer(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
