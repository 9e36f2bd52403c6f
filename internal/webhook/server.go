// Package webhook serves the health surface and the task trigger endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/dispatchclaw/internal/channels"
	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/store"
	"github.com/user/dispatchclaw/internal/types"
)

// Channels reports adapter connection state. *channels.Registry implements it.
type Channels interface {
	Statuses() []channels.Status
	AnyConnected() bool
}

// TaskStore looks up scheduled tasks by name.
type TaskStore interface {
	GetTask(ctx context.Context, name string) (*types.Task, error)
}

// TaskRunner queues a task for immediate execution.
type TaskRunner func(task *types.Task) error

// StatusFunc reports a poller's health.
type StatusFunc func() poller.Status

// Options wires the server's collaborators. AgentMail and Email are nil
// when the poller is not configured.
type Options struct {
	Channels  Channels
	Tasks     TaskStore
	RunTask   TaskRunner
	AgentMail StatusFunc
	Email     StatusFunc
}

// Server is the HTTP handler for /health and /webhook/{name}.
type Server struct {
	opts    Options
	started time.Time
	router  chi.Router
	now     func() time.Time
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now(), now: time.Now}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/webhook/{name}", s.handleNamedTask)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down with a
// 5s grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server started", "listen", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("health server stopped")
	return nil
}

// Health is the /health response body.
type Health struct {
	Status    string            `json:"status"`
	Slack     SlackHealth       `json:"slack"`
	Channels  []channels.Status `json:"channels"`
	AgentMail *poller.Status    `json:"agentMail,omitempty"`
	Email     *poller.Status    `json:"email,omitempty"`
	Uptime    int64             `json:"uptime"`
}

// SlackHealth mirrors the slack entry of Channels.
type SlackHealth struct {
	Connected bool `json:"connected"`
}

// Snapshot builds the current health report.
func (s *Server) Snapshot() Health {
	h := Health{
		Status:   "degraded",
		Channels: []channels.Status{},
		Uptime:   int64(s.now().Sub(s.started).Seconds()),
	}
	if s.opts.Channels != nil {
		h.Channels = s.opts.Channels.Statuses()
		if s.opts.Channels.AnyConnected() {
			h.Status = "ok"
		}
	}
	for _, c := range h.Channels {
		if c.Name == "slack" {
			h.Slack.Connected = c.Connected
		}
	}
	if s.opts.AgentMail != nil {
		st := s.opts.AgentMail()
		h.AgentMail = &st
	}
	if s.opts.Email != nil {
		st := s.opts.Email()
		h.Email = &st
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Snapshot()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.opts.Tasks == nil || s.opts.RunTask == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tasks not configured"})
		return
	}

	task, err := s.opts.Tasks.GetTask(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		slog.Error("webhook task lookup failed", "task", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if !task.Enabled {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "task is disabled"})
		return
	}

	// The body may override the stored prompt for this run only.
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		run := *task
		run.Prompt = body.Prompt
		task = &run
	}

	if err := s.opts.RunTask(task); err != nil {
		slog.Error("webhook task enqueue failed", "task", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	slog.Info("webhook task queued", "task", name, "chat_id", string(task.ChatID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "task": name})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
