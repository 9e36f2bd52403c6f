// Package poller is the reliability framework shared by inbound sources:
// hysteresis on connectivity, monotonic persisted cursors, a per-sender
// alert gate and a non-overlapping poll loop.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PageSize caps the items fetched per poll.
const PageSize = 50

// Source fetches and processes one batch. A returned error counts as a
// connectivity failure; per-item problems are handled inside the source.
type Source interface {
	Name() string
	Poll(ctx context.Context) error
}

// Starter is implemented by sources with a one-time setup step. A setup
// failure degrades the source but does not stop polling.
type Starter interface {
	Start(ctx context.Context) error
}

// Poller runs a Source on a fixed interval.
type Poller struct {
	source   Source
	tracker  *Tracker
	interval time.Duration
	inFlight atomic.Bool
}

// New creates a poller. The tracker receives every poll outcome.
func New(source Source, tracker *Tracker, interval time.Duration) *Poller {
	return &Poller{source: source, tracker: tracker, interval: interval}
}

// Name returns the source name.
func (p *Poller) Name() string { return p.source.Name() }

// Status returns the tracker snapshot.
func (p *Poller) Status() Status { return p.tracker.Status() }

// Run performs the setup step, polls once immediately and then every
// interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if s, ok := p.source.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			p.tracker.Degrade(err)
		}
	}
	slog.Info("poller started", "poller", p.source.Name(), "interval", p.interval)

	p.PollOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped", "poller", p.source.Name())
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one poll unless one is already in flight. Returns false
// when skipped.
func (p *Poller) PollOnce(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		slog.Debug("poll already in flight, skipping", "poller", p.source.Name())
		return false
	}
	defer p.inFlight.Store(false)

	ctx, span := otel.Tracer("dispatchclaw/poller").Start(ctx, "poller.poll")
	span.SetAttributes(attribute.String("poller.name", p.source.Name()))
	defer span.End()

	if err := p.source.Poll(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.tracker.Failure(err)
		return true
	}
	p.tracker.Success()
	return true
}
