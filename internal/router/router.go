// Package router is the delivery loop. It moves stored inbound messages
// to the admission queue, pipes follow-ups into live executions and runs
// the backend for each chat's pending batch.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/executor"
	"github.com/user/dispatchclaw/internal/queue"
	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/types"
)

// router_state keys.
const (
	KeyLastTimestamp      = "last_timestamp"
	KeyLastAgentTimestamp = "last_agent_timestamp"
)

var tracer = otel.Tracer("dispatchclaw/router")

// Store is the persistence the router reads and writes.
type Store interface {
	GetNewMessages(ctx context.Context, chatIDs []types.ChatID, since, assistantName string) ([]*types.Message, string, error)
	GetMessagesSince(ctx context.Context, chatID types.ChatID, since, assistantName string) ([]*types.Message, error)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	AllSessions(ctx context.Context) (map[string]string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
	DeleteSession(ctx context.Context, folder string) error
	AllGroups(ctx context.Context) (map[types.ChatID]*types.Group, error)
	SetGroup(ctx context.Context, g *types.Group) error
}

// Backend runs one execution. *executor.Runner implements it.
type Backend interface {
	Run(ctx context.Context, req executor.Request, register func(executor.Handle)) (<-chan executor.Output, error)
}

// Channels finds the channel owning a chat. *channels.Registry implements it.
type Channels interface {
	Find(chatID types.ChatID) channels.Channel
	SetTyping(ctx context.Context, chatID types.ChatID, on bool)
}

// Formatter renders a batch of messages as a prompt.
type Formatter interface {
	FormatMessages(msgs []*types.Message) string
	// Fit reports how many of the oldest msgs fit in one prompt.
	Fit(msgs []*types.Message) int
}

// Config holds the router's tunables.
type Config struct {
	AssistantName string
	MainFolder    string
	PollInterval  time.Duration
	IdleTimeout   time.Duration
	GroupsDir     string
	DataDir       string
	// CheapNoResume starts every main-group dispatch without a session.
	CheapNoResume bool
	Profile       ProfileConfig
}

// Router owns the global cursor, the per-chat delivery cursors, the
// session map, the registered groups and the sticky provider map.
type Router struct {
	cfg      Config
	store    Store
	queue    *queue.Queue
	backend  Backend
	channels Channels
	format   Formatter
	trigger  *regexp.Regexp

	mu            sync.Mutex
	lastTimestamp string
	agentTS       map[types.ChatID]string
	sessions      map[string]string
	groups        map[types.ChatID]*types.Group
	sticky        map[types.ChatID]string

	running atomic.Bool
	ticking atomic.Bool
}

// New creates a router. Call LoadState before Run.
func New(cfg Config, st Store, q *queue.Queue, backend Backend, chans Channels, format Formatter) *Router {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Router{
		cfg:      cfg,
		store:    st,
		queue:    q,
		backend:  backend,
		channels: chans,
		format:   format,
		trigger:  TriggerPattern(cfg.AssistantName),
		agentTS:  make(map[types.ChatID]string),
		sessions: make(map[string]string),
		groups:   make(map[types.ChatID]*types.Group),
		sticky:   make(map[types.ChatID]string),
	}
}

// TriggerPattern matches content that starts with @name as a whole word.
func TriggerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(name) + `\b`)
}

// LoadState reads cursors, sessions and groups from the store.
func (r *Router) LoadState(ctx context.Context) error {
	last, err := r.store.GetState(ctx, KeyLastTimestamp)
	if err != nil {
		return err
	}
	rawAgent, err := r.store.GetState(ctx, KeyLastAgentTimestamp)
	if err != nil {
		return err
	}
	agentTS := make(map[types.ChatID]string)
	if rawAgent != "" {
		if err := json.Unmarshal([]byte(rawAgent), &agentTS); err != nil {
			slog.Warn("corrupt last_agent_timestamp, resetting", "error", err)
			agentTS = make(map[types.ChatID]string)
		}
	}
	sessions, err := r.store.AllSessions(ctx)
	if err != nil {
		return err
	}
	groups, err := r.store.AllGroups(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.lastTimestamp = last
	r.agentTS = agentTS
	r.sessions = sessions
	r.groups = groups
	r.mu.Unlock()
	slog.Info("state loaded", "groups", len(groups), "sessions", len(sessions))
	return nil
}

// RegisterGroup persists g and creates its folder.
func (r *Router) RegisterGroup(ctx context.Context, g *types.Group) error {
	if err := r.store.SetGroup(ctx, g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(r.cfg.GroupsDir, g.Folder, "logs"), 0o755); err != nil {
		return fmt.Errorf("create group folder: %w", err)
	}
	r.mu.Lock()
	r.groups[g.ChatID] = g
	r.mu.Unlock()
	slog.Info("group registered", "chat_id", string(g.ChatID), "name", g.Name, "folder", g.Folder)
	return nil
}

// IsRegistered reports whether chatID is a registered group.
func (r *Router) IsRegistered(chatID types.ChatID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[chatID]
	return ok
}

// Group returns the registered group for chatID, or nil.
func (r *Router) Group(chatID types.ChatID) *types.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[chatID]
}

// Cursor returns the per-chat delivery cursor.
func (r *Router) Cursor(chatID types.ChatID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentTS[chatID]
}

// GlobalCursor returns the highest timestamp seen by the delivery loop.
func (r *Router) GlobalCursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTimestamp
}

// Run calls Tick every poll interval until ctx is done. A second
// concurrent Run returns immediately.
func (r *Router) Run(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Debug("delivery loop already running")
		return
	}
	defer r.running.Store(false)
	slog.Info("delivery loop running", "trigger", "@"+r.cfg.AssistantName)

	for {
		if err := r.Tick(ctx); err != nil {
			slog.Error("delivery tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Tick fetches new messages for every registered chat and either pipes
// them into the live execution or enqueues a check.
func (r *Router) Tick(ctx context.Context) error {
	if !r.ticking.CompareAndSwap(false, true) {
		slog.Debug("delivery tick already in flight")
		return nil
	}
	defer r.ticking.Store(false)

	r.mu.Lock()
	chatIDs := make([]types.ChatID, 0, len(r.groups))
	for id := range r.groups {
		chatIDs = append(chatIDs, id)
	}
	since := r.lastTimestamp
	r.mu.Unlock()

	msgs, newTS, err := r.store.GetNewMessages(ctx, chatIDs, since, r.cfg.AssistantName)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "router.tick")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	slog.Info("new messages", "count", len(msgs))

	if err := r.setGlobalCursor(ctx, newTS); err != nil {
		return err
	}

	var order []types.ChatID
	byChat := make(map[types.ChatID][]*types.Message)
	for _, m := range msgs {
		if _, ok := byChat[m.ChatID]; !ok {
			order = append(order, m.ChatID)
		}
		byChat[m.ChatID] = append(byChat[m.ChatID], m)
	}
	for _, chatID := range order {
		r.route(ctx, chatID, byChat[chatID])
	}
	return nil
}

func (r *Router) route(ctx context.Context, chatID types.ChatID, batch []*types.Message) {
	group := r.Group(chatID)
	if group == nil {
		return
	}
	if r.channels.Find(chatID) == nil {
		slog.Warn("no channel owns chat, skipping messages", "chat_id", string(chatID))
		return
	}
	if r.needsTrigger(group) && !r.hasTrigger(batch) {
		return
	}

	pending, err := r.store.GetMessagesSince(ctx, chatID, r.Cursor(chatID), r.cfg.AssistantName)
	if err != nil {
		slog.Warn("fetch pending failed, using batch", "chat_id", string(chatID), "error", err)
	}
	if len(pending) == 0 {
		pending = batch
	}

	if !r.queue.IsActive(chatID) {
		r.enqueue(chatID)
		return
	}

	var pipeable []*types.Message
	deferred := 0
	for _, m := range pending {
		if m.Deferred() {
			deferred++
			continue
		}
		pipeable = append(pipeable, m)
	}

	piped, remainder := false, 0
	if len(pipeable) > 0 {
		n := r.fit(pipeable)
		if r.queue.Pipe(chatID, r.format.FormatMessages(pipeable[:n])) {
			piped, remainder = true, len(pipeable)-n
			slog.Debug("piped messages to live execution", "chat_id", string(chatID), "count", n, "deferred", deferred)
			// Advancing past a deferred item would skip it for good.
			if deferred == 0 {
				if err := r.setCursor(ctx, chatID, pipeable[n-1].Timestamp); err != nil {
					slog.Error("save cursor failed", "chat_id", string(chatID), "error", err)
				}
			}
			r.channels.SetTyping(ctx, chatID, true)
		}
	}
	if !piped || deferred > 0 || remainder > 0 {
		r.enqueue(chatID)
	}
}

func (r *Router) enqueue(chatID types.ChatID) {
	if err := r.queue.Enqueue(chatID); err != nil && !errors.Is(err, queue.ErrClosed) {
		slog.Error("enqueue failed", "chat_id", string(chatID), "error", err)
	}
}

// RecoverPending enqueues every registered chat with messages after its
// delivery cursor. Called once at startup.
func (r *Router) RecoverPending(ctx context.Context) {
	r.mu.Lock()
	groups := make([]*types.Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		pending, err := r.store.GetMessagesSince(ctx, g.ChatID, r.Cursor(g.ChatID), r.cfg.AssistantName)
		if err != nil {
			slog.Error("recovery fetch failed", "chat_id", string(g.ChatID), "error", err)
			continue
		}
		if len(pending) > 0 {
			slog.Info("recovery: found unprocessed messages", "group", g.Name, "pending", len(pending))
			r.enqueue(g.ChatID)
		}
	}
}

func (r *Router) needsTrigger(g *types.Group) bool {
	return g.Folder != r.cfg.MainFolder && g.RequiresTrigger
}

func (r *Router) hasTrigger(msgs []*types.Message) bool {
	for _, m := range msgs {
		if r.trigger.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}

func (r *Router) setGlobalCursor(ctx context.Context, ts string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts <= r.lastTimestamp {
		return nil
	}
	r.lastTimestamp = ts
	return r.store.SetState(ctx, KeyLastTimestamp, ts)
}

// setCursor stores the per-chat cursor. It may move backwards on rollback.
func (r *Router) setCursor(ctx context.Context, chatID types.ChatID, ts string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts == "" {
		delete(r.agentTS, chatID)
	} else {
		r.agentTS[chatID] = ts
	}
	data, err := json.Marshal(r.agentTS)
	if err != nil {
		return err
	}
	return r.store.SetState(ctx, KeyLastAgentTimestamp, string(data))
}

var _ Store = (*store.Store)(nil)
