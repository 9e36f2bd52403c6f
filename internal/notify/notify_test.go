package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

func TestWebhookPost(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		got <- body["text"]
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	if err := w.Post(context.Background(), "Agent Mail is down"); err != nil {
		t.Fatal(err)
	}
	if text := <-got; text != "Agent Mail is down" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestWebhookAlertAsync(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body["text"]
	}))
	defer srv.Close()

	NewWebhook(srv.URL).Alert(context.Background(), "recovered")
	select {
	case text := <-got:
		if text != "recovered" {
			t.Errorf("unexpected text %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Post(context.Background(), "x"); err == nil {
		t.Error("expected error for 403")
	}
}

func TestWebhookEmptyURL(t *testing.T) {
	if err := NewWebhook("").Post(context.Background(), "x"); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
}

type fakeSender struct {
	chat types.ChatID
	text string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, chatID types.ChatID, text string) error {
	f.chat, f.text = chatID, text
	return f.err
}

func TestChannelAlerter(t *testing.T) {
	s := &fakeSender{}
	a := &ChannelAlerter{Sender: s, ChatID: "sl:CALERTS"}
	a.Alert(context.Background(), "[BLOCKED] worker: need creds")
	if s.chat != "sl:CALERTS" || s.text != "[BLOCKED] worker: need creds" {
		t.Errorf("unexpected delivery %+v", s)
	}

	s.err = errors.New("boom")
	a.Alert(context.Background(), "still fine")

	var unset *ChannelAlerter
	unset.Alert(context.Background(), "dropped")
}

func TestHeartbeatPing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		hits.Add(1)
	}))
	defer srv.Close()

	if err := NewHeartbeat(srv.URL).Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 ping, got %d", hits.Load())
	}
}

func TestHeartbeatRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewHeartbeat(srv.URL).Ping(context.Background()); err == nil {
		t.Error("expected error for 404")
	}
	if err := NewHeartbeat("").Ping(context.Background()); err != nil {
		t.Errorf("empty url should be a no-op, got %v", err)
	}
}
