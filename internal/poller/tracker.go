package poller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

// State is a poller's connectivity.
type State string

const (
	StateConnected State = "connected"
	StateDegraded  State = "degraded"
	StateDown      State = "down"
)

// FailureThreshold is the number of consecutive failures that marks a
// source down.
const FailureThreshold = 3

// Status is a point-in-time copy of a tracker.
type Status struct {
	State               State  `json:"status"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastPollTS          string `json:"lastPollTs,omitempty"`
}

// Tracker applies hysteresis to poll outcomes. A source starts down and
// turns connected on its first success. Failures degrade it; the third in
// a row marks it down and fires OnDown once. The next success fires
// OnRecovered once, but only when down was reached through failures.
type Tracker struct {
	name        string
	onDown      func()
	onRecovered func()
	now         func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastPoll      time.Time
	downByFailure bool
}

// NewTracker returns a tracker in the down state. Either callback may be nil.
func NewTracker(name string, onDown, onRecovered func()) *Tracker {
	return &Tracker{
		name:        name,
		onDown:      onDown,
		onRecovered: onRecovered,
		now:         time.Now,
		state:       StateDown,
	}
}

// Success records a successful poll.
func (t *Tracker) Success() {
	t.mu.Lock()
	recovered := t.state == StateDown && t.downByFailure
	t.state = StateConnected
	t.failures = 0
	t.downByFailure = false
	t.lastPoll = t.now()
	t.mu.Unlock()

	if recovered {
		slog.Info("poller connection restored", "poller", t.name)
		if t.onRecovered != nil {
			t.onRecovered()
		}
	}
}

// Failure records a failed poll.
func (t *Tracker) Failure(err error) {
	t.mu.Lock()
	t.failures++
	t.lastPoll = t.now()
	failures := t.failures
	wentDown := false
	switch {
	case failures < FailureThreshold:
		t.state = StateDegraded
	case t.state != StateDown || !t.downByFailure:
		t.state = StateDown
		t.downByFailure = true
		wentDown = true
	}
	t.mu.Unlock()

	if failures < FailureThreshold {
		slog.Warn("poll failed", "poller", t.name, "failures", failures, "error", err)
		return
	}
	if wentDown {
		slog.Error("consecutive poll failures, marking as down", "poller", t.name, "failures", failures, "error", err)
		if t.onDown != nil {
			t.onDown()
		}
	}
}

// Degrade marks the source degraded without counting a failure, for
// non-fatal setup problems.
func (t *Tracker) Degrade(err error) {
	t.mu.Lock()
	if t.state != StateDown || !t.downByFailure {
		t.state = StateDegraded
	}
	t.mu.Unlock()
	slog.Warn("poller degraded", "poller", t.name, "error", err)
}

// Status returns a snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{State: t.state, ConsecutiveFailures: t.failures}
	if !t.lastPoll.IsZero() {
		s.LastPollTS = types.FormatTimestamp(t.lastPoll)
	}
	return s
}
