package poller

import (
	"cmp"
	"context"
	"fmt"
	"strconv"
	"sync"
)

// StateStore persists cursor values; the store implements it.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Cursor is a monotonic position persisted under a router_state key. It
// only moves forward and is written back only after a cycle in which at
// least one item was processed.
type Cursor[T cmp.Ordered] struct {
	store  StateStore
	key    string
	parse  func(string) (T, error)
	format func(T) string

	mu      sync.Mutex
	value   T
	touched bool
}

// NewStringCursor returns a cursor over lexically ordered strings, such as
// timestamps.
func NewStringCursor(store StateStore, key string) *Cursor[string] {
	return &Cursor[string]{
		store:  store,
		key:    key,
		parse:  func(s string) (string, error) { return s, nil },
		format: func(s string) string { return s },
	}
}

// NewUIDCursor returns a cursor over numeric ids.
func NewUIDCursor(store StateStore, key string) *Cursor[uint32] {
	return &Cursor[uint32]{
		store: store,
		key:   key,
		parse: func(s string) (uint32, error) {
			n, err := strconv.ParseUint(s, 10, 32)
			return uint32(n), err
		},
		format: func(n uint32) string { return strconv.FormatUint(uint64(n), 10) },
	}
}

// Load reads the persisted value. A missing key leaves the zero value.
func (c *Cursor[T]) Load(ctx context.Context) error {
	raw, err := c.store.GetState(ctx, c.key)
	if err != nil {
		return fmt.Errorf("load cursor %s: %w", c.key, err)
	}
	if raw == "" {
		return nil
	}
	v, err := c.parse(raw)
	if err != nil {
		return fmt.Errorf("parse cursor %s=%q: %w", c.key, raw, err)
	}
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
	return nil
}

// Value returns the current position.
func (c *Cursor[T]) Value() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Advance records that an item at v was processed. The position becomes
// max(current, v).
func (c *Cursor[T]) Advance(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touched = true
	if v > c.value {
		c.value = v
	}
}

// Commit persists the position if any item was processed since the last
// commit.
func (c *Cursor[T]) Commit(ctx context.Context) error {
	c.mu.Lock()
	if !c.touched {
		c.mu.Unlock()
		return nil
	}
	value := c.format(c.value)
	c.touched = false
	c.mu.Unlock()

	if err := c.store.SetState(ctx, c.key, value); err != nil {
		return fmt.Errorf("save cursor %s: %w", c.key, err)
	}
	return nil
}
