// Package queue is the admission queue: the sole arbiter of which chat may
// run an execution and when.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/dispatchclaw/internal/types"
)

// ErrClosed is returned by Enqueue and EnqueueTask after Shutdown.
var ErrClosed = errors.New("queue closed")

// Handle controls a live execution. The executor implements it.
type Handle interface {
	WriteInput(text string) error
	CloseInput() error
	Kill() error
	Done() <-chan struct{}
}

// ProcessFunc handles a message check for one chat. Returning false
// schedules a retry.
type ProcessFunc func(ctx context.Context, chatID types.ChatID) bool

// TaskFunc is a one-off job run on a chat's lane.
type TaskFunc func(ctx context.Context) error

type jobKind int

const (
	jobCheck jobKind = iota
	jobTask
)

type job struct {
	kind   jobKind
	taskID string
	fn     TaskFunc
}

type execution struct {
	handle      Handle
	name        string
	folder      string
	isTask      bool
	inputClosed bool
	idle        bool
}

type lane struct {
	jobs        chan *job
	checkQueued bool
	tasksQueued map[string]bool
	active      bool
	running     jobKind
	exec        *execution
	retries     int
}

// Queue manages per-chat lanes with a global concurrency semaphore.
// Each chat gets its own FIFO lane so jobs for a chat run strictly one at
// a time, while the semaphore limits concurrent executions across chats.
type Queue struct {
	lanes     map[types.ChatID]*lane
	semaphore *semaphore.Weighted
	processor ProcessFunc
	retry     *RetryPolicy
	active    atomic.Int64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent executions at
// once across all chats.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.ChatID]*lane),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		retry:     DefaultRetryPolicy(),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// SetProcessor sets the function invoked for each message check.
func (q *Queue) SetProcessor(fn ProcessFunc) {
	q.processor = fn
}

// SetRetryPolicy replaces the default retry policy.
func (q *Queue) SetRetryPolicy(p *RetryPolicy) {
	q.retry = p
}

// Enqueue requests a message check for the chat. It is a no-op when a
// check is already queued. When the chat is active the check waits behind
// the live execution.
func (q *Queue) Enqueue(chatID types.ChatID) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	l := q.laneLocked(chatID)
	if l.checkQueued {
		q.mu.Unlock()
		return nil
	}
	if err := pushLocked(chatID, l, &job{kind: jobCheck}); err != nil {
		q.mu.Unlock()
		return err
	}
	l.checkQueued = true
	h := q.closeIfIdleLocked(l)
	q.mu.Unlock()

	closeHandle(chatID, h)
	return nil
}

// EnqueueTask queues fn on the chat's lane. A task id already queued is
// ignored.
func (q *Queue) EnqueueTask(chatID types.ChatID, taskID string, fn TaskFunc) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	l := q.laneLocked(chatID)
	if l.tasksQueued[taskID] {
		q.mu.Unlock()
		slog.Debug("task already queued", "chat_id", string(chatID), "task_id", taskID)
		return nil
	}
	if err := pushLocked(chatID, l, &job{kind: jobTask, taskID: taskID, fn: fn}); err != nil {
		q.mu.Unlock()
		return err
	}
	l.tasksQueued[taskID] = true
	h := q.closeIfIdleLocked(l)
	q.mu.Unlock()

	closeHandle(chatID, h)
	return nil
}

// IsActive reports whether a job is running for the chat.
func (q *Queue) IsActive(chatID types.ChatID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lanes[chatID]
	return l != nil && l.active
}

// ActiveCount returns the number of jobs currently running.
func (q *Queue) ActiveCount() int {
	return int(q.active.Load())
}

// RegisterExecution attaches a live execution to the chat so Pipe,
// CloseInput and Shutdown can reach it. Cleared when the job returns.
// Executions started by a task job never accept piped input.
func (q *Queue) RegisterExecution(chatID types.ChatID, h Handle, name, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.laneLocked(chatID)
	l.exec = &execution{handle: h, name: name, folder: folder, isTask: l.active && l.running == jobTask}
}

// Pipe writes a follow-up input to the chat's live execution. Returns
// false when there is none, its input is already closed, or it belongs to
// a task.
func (q *Queue) Pipe(chatID types.ChatID, text string) bool {
	q.mu.Lock()
	l := q.lanes[chatID]
	if l == nil || l.exec == nil || l.exec.inputClosed || l.exec.isTask {
		q.mu.Unlock()
		return false
	}
	h := l.exec.handle
	l.exec.idle = false
	q.mu.Unlock()

	if err := h.WriteInput(text); err != nil {
		slog.Warn("pipe to execution failed", "chat_id", string(chatID), "error", err)
		return false
	}
	return true
}

// NotifyIdle marks the execution as waiting for input. If more work is
// queued for the chat its input is closed so it can finish.
func (q *Queue) NotifyIdle(chatID types.ChatID) {
	q.mu.Lock()
	l := q.lanes[chatID]
	if l == nil || l.exec == nil {
		q.mu.Unlock()
		return
	}
	l.exec.idle = true
	h := q.closeIfIdleLocked(l)
	q.mu.Unlock()

	closeHandle(chatID, h)
}

// CloseInput closes the live execution's input so it finalizes.
func (q *Queue) CloseInput(chatID types.ChatID) {
	q.mu.Lock()
	l := q.lanes[chatID]
	if l == nil {
		q.mu.Unlock()
		return
	}
	h := takeInputLocked(l)
	q.mu.Unlock()

	closeHandle(chatID, h)
}

// WaitIdle blocks until no jobs are running or the timeout expires.
// Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Shutdown stops accepting work, closes every live input, waits up to
// deadline for executions to finish and kills the rest.
func (q *Queue) Shutdown(ctx context.Context, deadline time.Duration) {
	q.mu.Lock()
	q.closed = true
	inputs := make(map[types.ChatID]Handle)
	for id, l := range q.lanes {
		if h := takeInputLocked(l); h != nil {
			inputs[id] = h
		}
	}
	q.mu.Unlock()

	for id, h := range inputs {
		closeHandle(id, h)
	}

	wait := deadline
	if d, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(d))
	}
	if n := q.ActiveCount(); n > 0 {
		slog.Info("waiting for executions to finish", "active", n, "timeout", wait)
	}
	q.WaitIdle(wait)

	q.mu.Lock()
	var stragglers []types.ChatID
	for id, l := range q.lanes {
		if l.exec != nil {
			stragglers = append(stragglers, id)
			if err := l.exec.handle.Kill(); err != nil {
				slog.Warn("kill execution failed", "chat_id", string(id), "error", err)
			}
		}
	}
	if q.cancel != nil {
		q.cancel()
	}
	for _, l := range q.lanes {
		close(l.jobs)
	}
	q.mu.Unlock()

	if len(stragglers) > 0 {
		slog.Warn("killed executions still running at shutdown", "count", len(stragglers))
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("queue lanes did not exit in time")
	}
}

func (q *Queue) laneLocked(chatID types.ChatID) *lane {
	l, ok := q.lanes[chatID]
	if !ok {
		l = &lane{
			jobs:        make(chan *job, 100),
			tasksQueued: make(map[string]bool),
		}
		q.lanes[chatID] = l
		q.wg.Add(1)
		go q.processLane(chatID, l)
	}
	return l
}

func pushLocked(chatID types.ChatID, l *lane, j *job) error {
	select {
	case l.jobs <- j:
		return nil
	default:
		return fmt.Errorf("queue full for chat %s", chatID)
	}
}

// closeIfIdleLocked closes the input of an idle execution when the lane
// has further work waiting.
func (q *Queue) closeIfIdleLocked(l *lane) Handle {
	if l.exec == nil || !l.exec.idle {
		return nil
	}
	if !l.checkQueued && len(l.tasksQueued) == 0 {
		return nil
	}
	return takeInputLocked(l)
}

func takeInputLocked(l *lane) Handle {
	if l.exec == nil || l.exec.inputClosed {
		return nil
	}
	l.exec.inputClosed = true
	return l.exec.handle
}

func closeHandle(chatID types.ChatID, h Handle) {
	if h == nil {
		return
	}
	if err := h.CloseInput(); err != nil {
		slog.Debug("close input failed", "chat_id", string(chatID), "error", err)
	}
}

// processLane drains a single chat lane, acquiring a semaphore slot before
// running each job synchronously.
func (q *Queue) processLane(chatID types.ChatID, l *lane) {
	defer q.wg.Done()
	for {
		select {
		case j, ok := <-l.jobs:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.mu.Lock()
			l.active = true
			l.running = j.kind
			if j.kind == jobCheck {
				l.checkQueued = false
			} else {
				delete(l.tasksQueued, j.taskID)
			}
			q.mu.Unlock()

			q.active.Add(1)
			q.runJob(chatID, l, j)

			q.mu.Lock()
			l.active = false
			l.exec = nil
			q.mu.Unlock()
			q.active.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) runJob(chatID types.ChatID, l *lane, j *job) {
	if j.kind == jobTask {
		if err := j.fn(q.ctx); err != nil {
			slog.Error("task failed", "chat_id", string(chatID), "task_id", j.taskID, "error", err)
		}
		return
	}
	if q.processor == nil {
		return
	}
	if q.processor(q.ctx, chatID) {
		q.mu.Lock()
		l.retries = 0
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	l.retries++
	attempt := l.retries
	if !q.retry.ShouldRetry(attempt) {
		l.retries = 0
		q.mu.Unlock()
		slog.Error("max retries exceeded, waiting for next inbound message", "chat_id", string(chatID), "attempts", attempt)
		return
	}
	q.mu.Unlock()

	delay := q.retry.NextDelay(attempt)
	slog.Warn("message check failed, scheduling retry", "chat_id", string(chatID), "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		if err := q.Enqueue(chatID); err != nil && !errors.Is(err, ErrClosed) {
			slog.Error("retry enqueue failed", "chat_id", string(chatID), "error", err)
		}
	})
}
