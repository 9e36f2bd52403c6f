package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/dispatchclaw/internal/types"
)

// Status is a channel's connection state for the health surface.
type Status struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Registry routes outbound text to the channel that owns a chat id.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a channel.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// All returns the registered channels in registration order.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Find returns the channel owning chatID, or nil.
func (r *Registry) Find(chatID types.ChatID) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsChatID(chatID) {
			return ch
		}
	}
	return nil
}

// Send delivers text through the owning channel.
func (r *Registry) Send(ctx context.Context, chatID types.ChatID, text string) error {
	ch := r.Find(chatID)
	if ch == nil {
		return fmt.Errorf("no channel owns chat id: %s", chatID)
	}
	return ch.SendMessage(ctx, chatID, text)
}

// SetTyping toggles the typing indicator when the owning channel supports it.
func (r *Registry) SetTyping(ctx context.Context, chatID types.ChatID, on bool) {
	t, ok := r.Find(chatID).(Typer)
	if !ok {
		return
	}
	if err := t.SetTyping(ctx, chatID, on); err != nil {
		slog.Debug("set typing failed", "chat_id", string(chatID), "error", err)
	}
}

// ConnectAll connects every channel in parallel. A channel that fails to
// connect is logged and skipped; an error is returned only when channels
// are registered and none connected.
func (r *Registry) ConnectAll(ctx context.Context) error {
	chans := r.All()
	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			if err := ch.Connect(ctx); err != nil {
				slog.Error("channel connect failed", "channel", ch.Name(), "error", err)
				return nil
			}
			slog.Info("channel connected", "channel", ch.Name())
			return nil
		})
	}
	_ = g.Wait()
	if len(chans) > 0 && !r.AnyConnected() {
		return fmt.Errorf("no channel connected")
	}
	return nil
}

// DisconnectAll disconnects every channel, logging failures.
func (r *Registry) DisconnectAll() {
	for _, ch := range r.All() {
		if err := ch.Disconnect(); err != nil {
			slog.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Statuses reports every channel's connection state.
func (r *Registry) Statuses() []Status {
	chans := r.All()
	out := make([]Status, 0, len(chans))
	for _, ch := range chans {
		out = append(out, Status{Name: ch.Name(), Connected: ch.IsConnected()})
	}
	return out
}

// AnyConnected reports whether at least one channel is connected.
func (r *Registry) AnyConnected() bool {
	for _, ch := range r.All() {
		if ch.IsConnected() {
			return true
		}
	}
	return false
}
