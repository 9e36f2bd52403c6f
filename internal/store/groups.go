package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

// SetGroup registers or updates a chat.
func (s *Store) SetGroup(ctx context.Context, g *types.Group) error {
	added := g.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger`,
		string(g.ChatID), g.Name, g.Folder, g.Trigger, boolToInt(g.RequiresTrigger), types.FormatTimestamp(added),
	)
	if err != nil {
		return fmt.Errorf("set group %s: %w", g.ChatID, err)
	}
	return nil
}

// GetGroup returns a registered chat or ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, chatID types.ChatID) (*types.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at
		FROM registered_groups WHERE jid = ?`, string(chatID))
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", chatID, err)
	}
	return g, nil
}

// DeleteGroup unregisters a chat. Stored messages are kept.
func (s *Store) DeleteGroup(ctx context.Context, chatID types.ChatID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registered_groups WHERE jid = ?`, string(chatID))
	if err != nil {
		return fmt.Errorf("delete group %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllGroups returns every registered chat keyed by chat id.
func (s *Store) AllGroups(ctx context.Context) (map[types.ChatID]*types.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	out := make(map[types.ChatID]*types.Group)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out[g.ChatID] = g
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*types.Group, error) {
	var g types.Group
	var jid, added string
	var requires int
	if err := row.Scan(&jid, &g.Name, &g.Folder, &g.Trigger, &requires, &added); err != nil {
		return nil, err
	}
	g.ChatID = types.ChatID(jid)
	g.RequiresTrigger = requires == 1
	g.AddedAt, _ = types.ParseTimestamp(added)
	return &g, nil
}
