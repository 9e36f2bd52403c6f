package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/executor"
	"github.com/user/dispatchclaw/internal/prompt"
	"github.com/user/dispatchclaw/internal/types"
)

var poisonMarkers = []string{
	"violate our Usage Policy",
	"authentication_error",
	"OAuth token has expired",
}

// ProcessChat runs the backend for the chat's pending messages. It is the
// queue's processor: false asks the queue to retry. A backlog larger than
// one prompt is dispatched in consecutive runs, oldest first.
func (r *Router) ProcessChat(ctx context.Context, chatID types.ChatID) bool {
	group := r.Group(chatID)
	if group == nil {
		return true
	}
	ch := r.channels.Find(chatID)
	if ch == nil {
		slog.Warn("no channel owns chat, skipping messages", "chat_id", string(chatID))
		return true
	}

	for first := true; ; first = false {
		pending, err := r.store.GetMessagesSince(ctx, chatID, r.Cursor(chatID), r.cfg.AssistantName)
		if err != nil {
			slog.Error("fetch pending failed", "chat_id", string(chatID), "error", err)
			return false
		}
		if len(pending) == 0 {
			return true
		}
		// Later runs continue a backlog that was already triggered.
		if first && r.needsTrigger(group) && !r.hasTrigger(pending) {
			return true
		}

		n := r.fit(pending)
		if n < len(pending) {
			slog.Info("backlog exceeds prompt budget, dispatching in parts",
				"group", group.Name, "pending", len(pending), "this_run", n)
		}
		if !r.dispatch(ctx, group, ch, chatID, pending[:n]) {
			return false
		}
		if n == len(pending) {
			return true
		}
	}
}

// fit returns how many of the oldest msgs go into one prompt, at least one.
func (r *Router) fit(msgs []*types.Message) int {
	n := r.format.Fit(msgs)
	return max(1, min(n, len(msgs)))
}

// dispatch runs the backend once for batch. The per-chat cursor moves to
// the last message in batch and is rolled back if the run fails before
// any output reached the chat.
func (r *Router) dispatch(ctx context.Context, group *types.Group, ch channels.Channel, chatID types.ChatID, batch []*types.Message) bool {
	previous := r.Cursor(chatID)

	ctx, span := tracer.Start(ctx, "router.process_chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat_id", string(chatID)),
		attribute.String("group", group.Folder),
		attribute.Int("messages", len(batch)),
	)

	text := r.format.FormatMessages(batch)
	if err := r.setCursor(ctx, chatID, batch[len(batch)-1].Timestamp); err != nil {
		slog.Error("save cursor failed", "chat_id", string(chatID), "error", err)
		return false
	}
	slog.Info("processing messages", "group", group.Name, "count", len(batch))

	r.mu.Lock()
	profile := r.chooseProfileLocked(chatID, batch)
	r.mu.Unlock()
	slog.Info("execution profile selected", "group", group.Name, "provider", profile.Provider,
		"model", profile.Model, "reason", profile.Reason)

	idle := newIdleTimer(r.cfg.IdleTimeout, func() {
		slog.Debug("idle timeout, closing execution input", "group", group.Name)
		r.queue.CloseInput(chatID)
	})
	defer idle.stop()

	r.channels.SetTyping(ctx, chatID, true)
	outputSent, hadError := false, false
	status := r.runBackend(ctx, group, chatID, text, profile, false, func(o executor.Output) {
		if o.Result != "" {
			slog.Info("agent output", "group", group.Name, "preview", preview(o.Result, 200))
			if out := prompt.FormatOutbound(o.Result); out != "" {
				if err := ch.SendMessage(ctx, chatID, out); err != nil {
					slog.Error("send output failed", "chat_id", string(chatID), "error", err)
				} else {
					outputSent = true
				}
			}
			idle.reset()
		}
		switch o.Status {
		case executor.StatusSuccess:
			r.queue.NotifyIdle(chatID)
		case executor.StatusError:
			hadError = true
		}
	})
	r.channels.SetTyping(ctx, chatID, false)

	if status != executor.StatusError && !hadError {
		return true
	}
	span.SetStatus(codes.Error, "agent error")
	if outputSent {
		slog.Warn("agent error after output was sent, keeping cursor", "group", group.Name)
		return true
	}
	if err := r.setCursor(ctx, chatID, previous); err != nil {
		slog.Error("cursor rollback failed", "chat_id", string(chatID), "error", err)
	}
	slog.Warn("agent error, rolled back message cursor for retry", "group", group.Name)
	return false
}

// runBackend executes one dispatch and returns the terminal status. Every
// non-final event is passed to onOutput in order.
func (r *Router) runBackend(ctx context.Context, group *types.Group, chatID types.ChatID, text string,
	profile Profile, isolated bool, onOutput func(executor.Output)) string {

	isMain := group.Folder == r.cfg.MainFolder
	keepSession := !isolated && !(isMain && r.cfg.CheapNoResume)

	r.mu.Lock()
	sessionID := ""
	if keepSession {
		sessionID = r.sessions[group.Folder]
	}
	r.mu.Unlock()

	runID := types.NewRunID()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("run_id", string(runID)))

	req := executor.Request{
		RunID:         runID,
		Prompt:        text,
		SessionID:     sessionID,
		Folder:        group.Folder,
		ChatID:        chatID,
		IsMain:        isMain,
		Isolated:      isolated,
		AssistantName: r.cfg.AssistantName,
		Env:           profile.Env(),
	}
	out, err := r.backend.Run(ctx, req, func(h executor.Handle) {
		r.queue.RegisterExecution(chatID, h, string(runID), group.Folder)
	})
	if err != nil {
		slog.Error("agent start failed", "group", group.Name, "run_id", string(runID), "error", err)
		return executor.StatusError
	}
	slog.Debug("execution started", "group", group.Name, "run_id", string(runID),
		"isolated", isolated, "resume", sessionID != "")

	var final executor.Output
	var results []string
	latestSession := sessionID
	for o := range out {
		if o.NewSessionID != "" && keepSession {
			latestSession = o.NewSessionID
			r.saveSession(ctx, group.Folder, o.NewSessionID)
		}
		if o.Final {
			final = o
			continue
		}
		results = append(results, o.Result, o.Error)
		onOutput(o)
	}
	results = append(results, final.Error)

	if latestSession != "" && poisoned(results) {
		slog.Warn("poisoned session detected, clearing", "group", group.Name, "run_id", string(runID), "session_id", latestSession)
		r.clearSession(ctx, group.Folder, latestSession)
	}
	if final.Status == executor.StatusError {
		slog.Error("agent error", "group", group.Name, "run_id", string(runID), "error", final.Error)
	}
	return final.Status
}

func poisoned(texts []string) bool {
	for _, t := range texts {
		for _, marker := range poisonMarkers {
			if strings.Contains(t, marker) {
				return true
			}
		}
	}
	return false
}

func (r *Router) saveSession(ctx context.Context, folder, id string) {
	r.mu.Lock()
	r.sessions[folder] = id
	r.mu.Unlock()
	if err := r.store.SetSession(ctx, folder, id); err != nil {
		slog.Error("save session failed", "folder", folder, "error", err)
	}
}

func (r *Router) clearSession(ctx context.Context, folder, id string) {
	r.mu.Lock()
	delete(r.sessions, folder)
	r.mu.Unlock()
	if err := r.store.DeleteSession(ctx, folder); err != nil {
		slog.Error("delete session failed", "folder", folder, "error", err)
	}
	path := SessionFile(r.cfg.DataDir, folder, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove session file failed", "path", path, "error", err)
	}
}

// SessionFile is where the backend keeps the transcript for a session.
func SessionFile(dataDir, folder, sessionID string) string {
	return filepath.Join(dataDir, "sessions", folder, ".claude", "projects", "-workspace-group", sessionID+".jsonl")
}

// Session returns the stored session id for folder.
func (r *Router) Session(folder string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[folder]
}

func preview(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}

// idleTimer closes an execution's input after a quiet period.
type idleTimer struct {
	mu    sync.Mutex
	d     time.Duration
	fn    func()
	timer *time.Timer
}

func newIdleTimer(d time.Duration, fn func()) *idleTimer {
	return &idleTimer{d: d, fn: fn, timer: time.AfterFunc(d, fn)}
}

func (t *idleTimer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
	t.timer = time.AfterFunc(t.d, t.fn)
}

func (t *idleTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
}
