package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Heartbeat pings an external healthcheck URL so a missed ping raises an
// alarm outside this process.
type Heartbeat struct {
	URL    string
	Client *http.Client
}

// NewHeartbeat returns a Heartbeat with a 10s client timeout.
func NewHeartbeat(url string) *Heartbeat {
	return &Heartbeat{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Ping sends one GET. Failures are logged and returned.
func (h *Heartbeat) Ping(ctx context.Context) error {
	if h.URL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		slog.Warn("heartbeat ping failed", "error", err)
		return fmt.Errorf("heartbeat ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("heartbeat ping rejected", "status", resp.StatusCode)
		return fmt.Errorf("heartbeat returned %d", resp.StatusCode)
	}
	slog.Debug("heartbeat ping sent")
	return nil
}
