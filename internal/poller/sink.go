package poller

import (
	"context"
	"log/slog"

	"github.com/user/dispatchclaw/internal/types"
)

// MessageStore is the store surface sources write to.
type MessageStore interface {
	StoreMessage(ctx context.Context, m *types.Message) error
	RecordActivity(ctx context.Context, name, ts, subject string) error
}

// Sink is shared by every source: it stores normalized items, records
// sender liveness and routes tagged items through the alert gate.
type Sink struct {
	Store   MessageStore
	Gate    *AlertGate
	OnAlert func(ctx context.Context, a Alert)
}

// Deliver stores m. The error is returned so the caller can skip the
// item's side effects and cursor advance.
func (s *Sink) Deliver(ctx context.Context, m *types.Message) error {
	return s.Store.StoreMessage(ctx, m)
}

// Activity records that sender was seen. Failures are logged.
func (s *Sink) Activity(ctx context.Context, sender, ts, subject string) {
	if err := s.Store.RecordActivity(ctx, sender, ts, subject); err != nil {
		slog.Warn("record activity failed", "sender", sender, "error", err)
	}
}

// Alert runs a tagged item through the gate and emits whatever passes.
func (s *Sink) Alert(ctx context.Context, sender, subject string, messageID int64) {
	if s.Gate == nil || s.OnAlert == nil {
		return
	}
	for _, a := range s.Gate.Check(sender, subject, messageID) {
		s.OnAlert(ctx, a)
	}
}
