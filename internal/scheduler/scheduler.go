// Package scheduler runs the periodic maintenance jobs and the cron
// scheduled tasks stored in the database.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/dispatchclaw/internal/types"
)

// TaskStore lists scheduled tasks.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]*types.Task, error)
}

// TaskHandler is invoked when a stored task fires.
type TaskHandler func(ctx context.Context, task *types.Task)

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// Scheduler evaluates cron expressions for built-in jobs and stored tasks.
// A job still running when its next tick arrives is skipped.
type Scheduler struct {
	store   TaskStore
	handler TaskHandler

	mu   sync.Mutex
	jobs []job
	cron *cron.Cron
	ctx  context.Context
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is a schedule the scheduler accepts.
func Validate(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates a Scheduler. store and handler may be nil when no stored
// tasks are wanted.
func New(store TaskStore, handler TaskHandler) *Scheduler {
	return &Scheduler{store: store, handler: handler}
}

// AddJob registers a built-in job. Jobs added after Start take effect on
// the next Reload.
func (s *Scheduler) AddJob(name, spec string, run func(ctx context.Context) error) error {
	if err := Validate(spec); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job{name: name, spec: spec, run: run})
	s.mu.Unlock()
	return nil
}

// Start registers every job and enabled stored task and starts the ticker.
// Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, j := range s.jobs {
		_, err := c.AddFunc(j.spec, func() {
			if err := j.run(ctx); err != nil {
				slog.Error("scheduled job failed", "job", j.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("add job %s: %w", j.name, err)
		}
	}

	if s.store != nil && s.handler != nil {
		tasks, err := s.store.ListTasks(ctx)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Schedule == "" || !task.Enabled {
				continue
			}
			_, err := c.AddFunc(task.Schedule, func() {
				slog.Info("cron firing task", "name", task.Name, "chat_id", string(task.ChatID))
				s.handler(ctx, task)
			})
			if err != nil {
				slog.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
				continue
			}
			slog.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
		}
	}

	s.cron = c
	s.ctx = ctx
	c.Start()
	return nil
}

// Reload rebuilds the cron table from the current jobs and stored tasks.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return fmt.Errorf("scheduler not started")
	}
	<-s.cron.Stop().Done()
	return s.startLocked(s.ctx)
}

// Stop stops the ticker and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
