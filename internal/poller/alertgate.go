package poller

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Alert tags recognised in subjects.
const (
	TagBlocked = "BLOCKED"
	TagError   = "ERROR"
)

const (
	alertWindow = 5 * time.Minute
	alertLimit  = 3
)

// AlertKind separates forwarded alerts from suppression rollups.
type AlertKind int

const (
	AlertForward AlertKind = iota
	AlertRollup
)

// Alert is a tagged item that passed the gate, or a rollup summarising a
// window that suppressed items.
type Alert struct {
	Kind      AlertKind
	Tag       string
	Sender    string
	Subject   string
	MessageID int64
	Text      string
}

type window struct {
	count       int
	start       time.Time
	suppressed  int
	lastSubject string
}

// AlertGate rate-limits tagged items per sender: at most 3 forwards in a
// 5 minute window. Items beyond that are counted, and the next tagged
// item after the window expires emits one rollup before its own forward.
type AlertGate struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewAlertGate returns a gate using the wall clock.
func NewAlertGate() *AlertGate {
	return &AlertGate{now: time.Now, windows: make(map[string]*window)}
}

// TagOf returns the alert tag in subject, or "" when untagged.
func TagOf(subject string) string {
	switch {
	case strings.Contains(subject, "["+TagBlocked+"]"):
		return TagBlocked
	case strings.Contains(subject, "["+TagError+"]"):
		return TagError
	}
	return ""
}

// Check passes one item through the gate and returns the alerts to emit,
// in order. Untagged items return nil.
func (g *AlertGate) Check(sender, subject string, messageID int64) []Alert {
	tag := TagOf(subject)
	if tag == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []Alert
	w := g.windows[sender]
	if w != nil && now.Sub(w.start) >= alertWindow {
		if w.suppressed > 0 {
			out = append(out, Alert{
				Kind:    AlertRollup,
				Sender:  sender,
				Subject: w.lastSubject,
				Text: fmt.Sprintf("%s sent %d alert messages in 5 min. Latest: %s. Suppressed %d.",
					sender, w.count, w.lastSubject, w.suppressed),
			})
		}
		w = nil
	}
	if w == nil {
		w = &window{start: now}
		g.windows[sender] = w
	}

	w.count++
	w.lastSubject = subject
	if w.count > alertLimit {
		w.suppressed++
		return out
	}
	return append(out, Alert{
		Kind:      AlertForward,
		Tag:       tag,
		Sender:    sender,
		Subject:   subject,
		MessageID: messageID,
		Text:      fmt.Sprintf("[%s] %s: %s", tag, sender, subject),
	})
}
