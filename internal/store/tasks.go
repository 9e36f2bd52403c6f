package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/user/dispatchclaw/internal/types"
)

// AddTask inserts a task. Returns an error if a task with the same name exists.
func (s *Store) AddTask(ctx context.Context, t *types.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (name, chat_jid, prompt, schedule, enabled) VALUES (?, ?, ?, ?, ?)`,
		t.Name, string(t.ChatID), t.Prompt, t.Schedule, boolToInt(t.Enabled))
	if err != nil {
		if containsFold(err.Error(), "unique") || containsFold(err.Error(), "constraint") {
			return fmt.Errorf("task already exists: %s", t.Name)
		}
		return fmt.Errorf("add task %s: %w", t.Name, err)
	}
	return nil
}

// GetTask finds a task by name.
func (s *Store) GetTask(ctx context.Context, name string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, chat_jid, prompt, schedule, enabled FROM scheduled_tasks WHERE name = ?`, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", name, err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by name.
func (s *Store) ListTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, chat_jid, prompt, schedule, enabled FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*types.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RemoveTask deletes a task by name.
func (s *Store) RemoveTask(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove task %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", name, ErrNotFound)
	}
	return nil
}

// SetTaskEnabled toggles the enabled flag for a task.
func (s *Store) SetTaskEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = ? WHERE name = ?`, boolToInt(enabled), name)
	if err != nil {
		return fmt.Errorf("update task %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", name, ErrNotFound)
	}
	return nil
}

func scanTask(row scanner) (*types.Task, error) {
	var t types.Task
	var chatID string
	var enabled int
	if err := row.Scan(&t.Name, &chatID, &t.Prompt, &t.Schedule, &enabled); err != nil {
		return nil, err
	}
	t.ChatID = types.ChatID(chatID)
	t.Enabled = enabled == 1
	return &t, nil
}
