// Package escalation tracks [BLOCKED] alerts until they are resolved,
// re-raises stale ones at growing intervals and reports agents that have
// gone silent.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/dispatchclaw/internal/mail"
	"github.com/user/dispatchclaw/internal/notify"
	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/types"
)

// MaxLevel is the last escalation level.
const MaxLevel = 3

// SilenceThreshold is how long an agent may stay quiet before it is
// reported.
const SilenceThreshold = 6 * time.Hour

// thresholds maps the current level to the age needed for the next one.
var thresholds = map[int]time.Duration{
	0: 30 * time.Minute,
	1: 2 * time.Hour,
	2: 8 * time.Hour,
}

// Store is the persistence the tracker and sweeper need.
type Store interface {
	TrackBlocker(ctx context.Context, id int64, sender, subject string, now time.Time) error
	ResolveBlocker(ctx context.Context, id int64) error
	EscalateBlocker(ctx context.Context, id int64, level int, now time.Time) error
	UnresolvedBlockers(ctx context.Context) ([]*types.Blocker, error)
	SilentAgents(ctx context.Context, cutoff time.Time) ([]*types.AgentActivity, error)
}

// Mailer sends out-of-band email for high escalation levels.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Tracker records forwarded [BLOCKED] alerts.
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Track starts tracking a forwarded [BLOCKED] alert. Other alerts and
// alerts without a message id are ignored.
func (t *Tracker) Track(ctx context.Context, a poller.Alert) error {
	if a.Kind != poller.AlertForward || a.Tag != poller.TagBlocked || a.MessageID <= 0 {
		return nil
	}
	return t.store.TrackBlocker(ctx, a.MessageID, a.Sender, a.Subject, t.now())
}

// Resolve stops escalation for id.
func (t *Tracker) Resolve(ctx context.Context, id int64) error {
	return t.store.ResolveBlocker(ctx, id)
}

// Sweeper runs the periodic escalation and liveness checks.
type Sweeper struct {
	store  Store
	alerts notify.Alerter
	mailer Mailer
	mailTo string
	now    func() time.Time
}

// NewSweeper creates a sweeper. mailer may be nil; email escalation is
// skipped when it is or when mailTo is empty.
func NewSweeper(store Store, alerts notify.Alerter, mailer Mailer, mailTo string) *Sweeper {
	return &Sweeper{store: store, alerts: alerts, mailer: mailer, mailTo: mailTo, now: time.Now}
}

// EscalateBlockers raises every stale unresolved blocker by one level.
func (s *Sweeper) EscalateBlockers(ctx context.Context) error {
	blockers, err := s.store.UnresolvedBlockers(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, b := range blockers {
		threshold, ok := thresholds[b.Level]
		if !ok || b.Resolved {
			continue
		}
		age := now.Sub(b.FirstPosted)
		if age < threshold {
			continue
		}

		level := b.Level + 1
		text := fmt.Sprintf("Reminder (L%d): [BLOCKED] from %s — \"%s\" — unresolved for %d min",
			level, b.Sender, b.Subject, int(age.Round(time.Minute).Minutes()))
		s.alerts.Alert(ctx, text)

		if level >= 2 && s.mailer != nil && s.mailTo != "" {
			err := s.mailer.Send(ctx, mail.Message{
				To:      s.mailTo,
				Subject: fmt.Sprintf("[BLOCKED L%d] %s", level, b.Subject),
				Body:    text,
			})
			if err != nil {
				slog.Warn("blocker escalation email failed", "blocker_id", b.ID, "error", err)
			}
		}

		if err := s.store.EscalateBlocker(ctx, b.ID, level, now); err != nil {
			return err
		}
		slog.Info("blocker escalated", "blocker_id", b.ID, "level", level)
	}
	return nil
}

// CheckLiveness reports agents silent for longer than SilenceThreshold.
func (s *Sweeper) CheckLiveness(ctx context.Context) error {
	silent, err := s.store.SilentAgents(ctx, s.now().Add(-SilenceThreshold))
	if err != nil {
		return err
	}
	if len(silent) == 0 {
		return nil
	}
	lines := make([]string, 0, len(silent))
	for _, a := range silent {
		lines = append(lines, describeAgent(a, "last seen"))
	}
	s.alerts.Alert(ctx, "Silent agents (>6h):\n"+strings.Join(lines, "\n"))
	return nil
}

func describeAgent(a *types.AgentActivity, label string) string {
	if a.LastSubject == "" {
		return fmt.Sprintf("%s (%s: %s)", a.Name, label, a.LastMessageTS)
	}
	return fmt.Sprintf("%s (%s: %s, re: %s)", a.Name, label, a.LastMessageTS, a.LastSubject)
}
