package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetState returns the router_state value for key, or "" when unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a router_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO router_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetSession returns the session id for a group folder.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE group_folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", folder, err)
	}
	return id, nil
}

// SetSession upserts the session id for a group folder.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		 ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id`, folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session %s: %w", folder, err)
	}
	return nil
}

// DeleteSession removes the session for a group folder.
func (s *Store) DeleteSession(ctx context.Context, folder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE group_folder = ?`, folder); err != nil {
		return fmt.Errorf("delete session %s: %w", folder, err)
	}
	return nil
}

// AllSessions returns folder → session id.
func (s *Store) AllSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[folder] = id
	}
	return out, rows.Err()
}
