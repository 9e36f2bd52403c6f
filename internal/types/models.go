// internal/types/models.go
package types

import (
	"strings"
	"time"
)

// DeferredPrefix marks message ids that must never be piped into a live
// execution. They wait for the next fresh dispatch instead.
const DeferredPrefix = "email-"

// Message is the canonical inbound message. Adapters and pollers normalize
// their payloads into this shape before storing.
type Message struct {
	ID           string `json:"id"`
	ChatID       ChatID `json:"chat_jid"`
	Sender       string `json:"sender"`
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
	IsFromMe     bool   `json:"is_from_me"`
	IsBotMessage bool   `json:"is_bot_message"`
}

// Deferred reports whether the message must be held back from piping.
func (m *Message) Deferred() bool {
	return strings.HasPrefix(m.ID, DeferredPrefix)
}

// Chat is discovery metadata for any conversation an adapter has seen.
type Chat struct {
	ChatID          ChatID `json:"jid"`
	Name            string `json:"name"`
	Channel         string `json:"channel"`
	IsGroup         bool   `json:"is_group"`
	LastMessageTime string `json:"last_message_time"`
}

// Group is a registered chat: only these are dispatched.
type Group struct {
	ChatID          ChatID    `json:"jid"`
	Name            string    `json:"name"`
	Folder          string    `json:"folder"`
	Trigger         string    `json:"trigger"`
	RequiresTrigger bool      `json:"requires_trigger"`
	AddedAt         time.Time `json:"added_at"`
}

// Blocker is a tracked [BLOCKED] alert awaiting resolution.
type Blocker struct {
	ID            int64     `json:"id"`
	Sender        string    `json:"sender"`
	Subject       string    `json:"subject"`
	FirstPosted   time.Time `json:"first_posted"`
	LastEscalated time.Time `json:"last_escalated"`
	Level         int       `json:"escalation_level"`
	Resolved      bool      `json:"resolved"`
}

// AgentActivity is the last-seen record for an external agent.
type AgentActivity struct {
	Name          string `json:"agent_name"`
	LastMessageTS string `json:"last_message_ts"`
	LastSubject   string `json:"last_subject,omitempty"`
}

// Task is a named prompt run on a cron schedule or via webhook.
type Task struct {
	Name     string `json:"name"`
	ChatID   ChatID `json:"chat_jid"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule,omitempty"`
	Enabled  bool   `json:"enabled"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the fixed-width UTC layout used for every
// stored timestamp, so string comparison orders chronologically.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// inputLayouts are tried in order by ParseTimestamp. Layouts without a
// zone are read as UTC.
var inputLayouts = []string{
	timestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts the stored layout, any RFC 3339 variant and
// zone-less ISO 8601 date-times.
func ParseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range inputLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// NormalizeTimestamp rewrites s into the stored layout. Unparseable input
// yields the current time and ok=false so every stored row keeps the same
// sortable layout.
func NormalizeTimestamp(s string) (ts string, ok bool) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return FormatTimestamp(time.Now()), false
	}
	return FormatTimestamp(t), true
}
