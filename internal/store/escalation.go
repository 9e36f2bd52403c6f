package store

import (
	"context"
	"fmt"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

// TrackBlocker records a blocker on first sighting. Later sightings of the
// same id are ignored so first_posted keeps the original time.
func (s *Store) TrackBlocker(ctx context.Context, id int64, sender, subject string, now time.Time) error {
	ts := types.FormatTimestamp(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocker_escalation (agent_mail_id, sender, subject, first_posted, last_escalated)
		VALUES (?, ?, ?, ?, ?)`, id, sender, subject, ts, ts)
	if err != nil {
		return fmt.Errorf("track blocker %d: %w", id, err)
	}
	return nil
}

// ResolveBlocker marks a blocker resolved. It is never escalated again.
func (s *Store) ResolveBlocker(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blocker_escalation SET resolved = 1 WHERE agent_mail_id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve blocker %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EscalateBlocker stores a new level. The level never decreases.
func (s *Store) EscalateBlocker(ctx context.Context, id int64, level int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blocker_escalation SET last_escalated = ?, escalation_level = ?
		WHERE agent_mail_id = ? AND escalation_level < ? AND resolved = 0`,
		types.FormatTimestamp(now), level, id, level)
	if err != nil {
		return fmt.Errorf("escalate blocker %d: %w", id, err)
	}
	return nil
}

// UnresolvedBlockers returns blockers that can still escalate (level < 3).
func (s *Store) UnresolvedBlockers(ctx context.Context) ([]*types.Blocker, error) {
	return s.queryBlockers(ctx, `WHERE resolved = 0 AND escalation_level < 3`)
}

// ListBlockers returns all blockers, optionally including resolved ones.
func (s *Store) ListBlockers(ctx context.Context, includeResolved bool) ([]*types.Blocker, error) {
	if includeResolved {
		return s.queryBlockers(ctx, ``)
	}
	return s.queryBlockers(ctx, `WHERE resolved = 0`)
}

func (s *Store) queryBlockers(ctx context.Context, where string) ([]*types.Blocker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_mail_id, sender, subject, first_posted, last_escalated, escalation_level, resolved
		FROM blocker_escalation `+where+` ORDER BY first_posted`)
	if err != nil {
		return nil, fmt.Errorf("query blockers: %w", err)
	}
	defer rows.Close()

	var out []*types.Blocker
	for rows.Next() {
		var b types.Blocker
		var first, last string
		var resolved int
		if err := rows.Scan(&b.ID, &b.Sender, &b.Subject, &first, &last, &b.Level, &resolved); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		b.FirstPosted, _ = types.ParseTimestamp(first)
		b.LastEscalated, _ = types.ParseTimestamp(last)
		b.Resolved = resolved == 1
		out = append(out, &b)
	}
	return out, rows.Err()
}

// RecordActivity upserts the last-seen record for an agent.
func (s *Store) RecordActivity(ctx context.Context, name, ts, subject string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_liveness (agent_name, last_message_ts, last_subject)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			last_message_ts = excluded.last_message_ts,
			last_subject = excluded.last_subject`, name, ts, subject)
	if err != nil {
		return fmt.Errorf("record activity %s: %w", name, err)
	}
	return nil
}

// SilentAgents returns agents whose last message is older than cutoff.
func (s *Store) SilentAgents(ctx context.Context, cutoff time.Time) ([]*types.AgentActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, last_message_ts, COALESCE(last_subject, '')
		FROM agent_liveness WHERE last_message_ts < ? ORDER BY last_message_ts`,
		types.FormatTimestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("silent agents: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentActivity
	for rows.Next() {
		var a types.AgentActivity
		if err := rows.Scan(&a.Name, &a.LastMessageTS, &a.LastSubject); err != nil {
			return nil, fmt.Errorf("scan liveness: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
