package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

type fakeHandle struct {
	mu     sync.Mutex
	inputs []string
	closed bool
	killed bool
	done   chan struct{}
	once   sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) WriteInput(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("input closed")
	}
	h.inputs = append(h.inputs, text)
	return nil
}

func (h *fakeHandle) CloseInput() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func startQueue(t *testing.T, max int64) *Queue {
	t.Helper()
	q := NewQueue(max)
	q.SetRetryPolicy(&RetryPolicy{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond})
	q.Start(context.Background())
	t.Cleanup(func() { q.Shutdown(context.Background(), time.Second) })
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	q := startQueue(t, 2)

	var running, maxSeen, total int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&total, 1)
		return true
	})

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(types.ChatID(fmt.Sprintf("sl:C%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&total) == 5 })

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestEnqueueCoalescesWhileActive(t *testing.T) {
	q := startQueue(t, 1)
	chat := types.ChatID("sl:C1")

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		n := atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
		return true
	})

	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	<-started
	if !q.IsActive(chat) {
		t.Fatal("expected chat to be active")
	}
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(chat); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) >= 2 && !q.IsActive(chat) })
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 2 {
		t.Errorf("expected one coalesced follow-up (2 calls), got %d", c)
	}
}

func TestSameChatNeverConcurrent(t *testing.T) {
	q := startQueue(t, 5)
	chat := types.ChatID("tg:1")

	var inFlight, overlap, total int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&total, 1)
		return true
	})
	for i := 0; i < 3; i++ {
		fn := func(ctx context.Context) error {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			atomic.AddInt32(&total, 1)
			return nil
		}
		if err := q.EnqueueTask(chat, fmt.Sprintf("t%d", i), fn); err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(chat); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&total) >= 4 && q.ActiveCount() == 0 })
	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("jobs for the same chat overlapped")
	}
}

func TestEnqueueTaskDedup(t *testing.T) {
	q := startQueue(t, 1)
	chat := types.ChatID("sl:C1")

	block := make(chan struct{})
	var runs int32
	if err := q.EnqueueTask(chat, "blocker", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return q.IsActive(chat) })

	for i := 0; i < 3; i++ {
		if err := q.EnqueueTask(chat, "brief", func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	close(block)
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 1 && !q.IsActive(chat) })
	time.Sleep(30 * time.Millisecond)
	if r := atomic.LoadInt32(&runs); r != 1 {
		t.Errorf("expected duplicate task ids to run once, got %d", r)
	}
}

func TestPipeToLiveExecution(t *testing.T) {
	q := startQueue(t, 1)
	chat := types.ChatID("sl:C1")

	if q.Pipe(chat, "nobody home") {
		t.Error("expected pipe to fail with no execution")
	}

	h := newFakeHandle()
	registered := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		q.RegisterExecution(chatID, h, "ops", "ops")
		close(registered)
		<-h.Done()
		return true
	})
	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	<-registered

	if !q.Pipe(chat, "follow-up") {
		t.Fatal("expected pipe to succeed")
	}
	q.CloseInput(chat)
	if q.Pipe(chat, "too late") {
		t.Error("expected pipe to fail after input closed")
	}
	h.Kill()
	waitFor(t, func() bool { return !q.IsActive(chat) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) != 1 || h.inputs[0] != "follow-up" {
		t.Errorf("unexpected inputs %v", h.inputs)
	}
}

func TestNotifyIdleClosesInputWhenWorkQueued(t *testing.T) {
	q := startQueue(t, 1)
	chat := types.ChatID("sl:C1")

	h := newFakeHandle()
	registered := make(chan struct{})
	var calls int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		if atomic.AddInt32(&calls, 1) == 1 {
			q.RegisterExecution(chatID, h, "ops", "ops")
			close(registered)
			<-h.Done()
		}
		return true
	})
	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	<-registered

	q.NotifyIdle(chat)
	if h.isClosed() {
		t.Fatal("idle with nothing queued must keep input open")
	}

	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	if !h.isClosed() {
		t.Error("expected input closed once work was queued behind an idle execution")
	}
	h.Kill()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestFailedCheckIsRetried(t *testing.T) {
	q := startQueue(t, 1)
	var calls int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		return atomic.AddInt32(&calls, 1) >= 3
	})
	if err := q.Enqueue("sl:C1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 3 })
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 3 {
		t.Errorf("expected no retries after success, got %d calls", c)
	}
}

func TestRetriesGiveUp(t *testing.T) {
	q := startQueue(t, 1)
	var calls int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		atomic.AddInt32(&calls, 1)
		return false
	})
	if err := q.Enqueue("sl:C1"); err != nil {
		t.Fatal(err)
	}
	// first run plus MaxAttempts retries
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 3 })
	time.Sleep(100 * time.Millisecond)
	if c := atomic.LoadInt32(&calls); c != 3 {
		t.Errorf("expected 3 calls, got %d", c)
	}
}

func TestShutdownKillsStragglers(t *testing.T) {
	q := NewQueue(1)
	q.Start(context.Background())
	chat := types.ChatID("sl:C1")

	h := newFakeHandle()
	registered := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		q.RegisterExecution(chatID, h, "ops", "ops")
		close(registered)
		<-h.Done()
		return true
	})
	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	<-registered

	q.Shutdown(context.Background(), 50*time.Millisecond)

	h.mu.Lock()
	closed, killed := h.closed, h.killed
	h.mu.Unlock()
	if !closed {
		t.Error("expected input closed on shutdown")
	}
	if !killed {
		t.Error("expected straggler killed after deadline")
	}
	if err := q.Enqueue(chat); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestPipeRefusesTaskExecution(t *testing.T) {
	q := startQueue(t, 1)
	chat := types.ChatID("sl:C1")

	h := newFakeHandle()
	registered := make(chan struct{})
	var checks int32
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		atomic.AddInt32(&checks, 1)
		return true
	})
	err := q.EnqueueTask(chat, "digest", func(ctx context.Context) error {
		q.RegisterExecution(chat, h, "digest", "ops")
		close(registered)
		<-h.Done()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-registered

	if !q.IsActive(chat) {
		t.Fatal("expected task to be active")
	}
	if q.Pipe(chat, "user message") {
		t.Fatal("expected pipe into a task execution to be refused")
	}
	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&checks) != 0 {
		t.Error("check must wait behind the running task")
	}
	h.Kill()
	waitFor(t, func() bool { return atomic.LoadInt32(&checks) == 1 })

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inputs) != 0 {
		t.Errorf("task execution received input %v", h.inputs)
	}
}

func TestShutdownWaitsForActiveExecutions(t *testing.T) {
	q := NewQueue(1)
	q.Start(context.Background())
	chat := types.ChatID("sl:C1")

	h := newFakeHandle()
	registered := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, chatID types.ChatID) bool {
		q.RegisterExecution(chatID, h, "ops", "ops")
		close(registered)
		<-h.Done()
		return true
	})
	if err := q.Enqueue(chat); err != nil {
		t.Fatal(err)
	}
	<-registered
	if q.ActiveCount() != 1 {
		t.Fatalf("expected 1 active, got %d", q.ActiveCount())
	}

	// The execution finishes on its own once its input is closed.
	go func() {
		for !h.isClosed() {
			time.Sleep(5 * time.Millisecond)
		}
		h.once.Do(func() { close(h.done) })
	}()
	q.Shutdown(context.Background(), 2*time.Second)

	h.mu.Lock()
	killed := h.killed
	h.mu.Unlock()
	if killed {
		t.Error("execution that finished within the deadline must not be killed")
	}
	if q.ActiveCount() != 0 {
		t.Errorf("expected 0 active after shutdown, got %d", q.ActiveCount())
	}
}
