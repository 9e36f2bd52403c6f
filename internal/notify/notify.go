// Package notify delivers operator alerts: through the chat alerts
// channel, and out of band through an incoming webhook that works even
// when the chat connection is down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

const webhookTimeout = 5 * time.Second

// Alerter sends a best-effort operator alert.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Webhook posts {"text": ...} to an incoming webhook URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a Webhook with a 5s client timeout. An empty url
// makes every alert a no-op.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: webhookTimeout}}
}

// Post sends text and waits for the response.
func (w *Webhook) Post(ctx context.Context, text string) error {
	if w.URL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Alert posts text in the background. Failures are logged.
func (w *Webhook) Alert(ctx context.Context, text string) {
	if w.URL == "" {
		return
	}
	go func() {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookTimeout)
		defer cancel()
		if err := w.Post(postCtx, text); err != nil {
			slog.Warn("failed to post alert webhook", "error", err)
		}
	}()
}

// Sender delivers text to a chat; the channel registry implements it.
type Sender interface {
	Send(ctx context.Context, chatID types.ChatID, text string) error
}

// ChannelAlerter sends alerts to a fixed chat.
type ChannelAlerter struct {
	Sender Sender
	ChatID types.ChatID
}

// Alert sends text to the alerts chat, or drops it with a warning when no
// chat is configured.
func (a *ChannelAlerter) Alert(ctx context.Context, text string) {
	if a == nil || a.ChatID == "" || a.Sender == nil {
		slog.Warn("no alerts channel configured, dropping alert", "text", text)
		return
	}
	if err := a.Sender.Send(ctx, a.ChatID, text); err != nil {
		slog.Error("send alert failed", "chat_id", string(a.ChatID), "error", err)
	}
}
