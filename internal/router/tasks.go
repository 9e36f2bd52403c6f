package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/dispatchclaw/internal/executor"
	"github.com/user/dispatchclaw/internal/prompt"
	"github.com/user/dispatchclaw/internal/types"
)

// ScheduleTask queues task on its chat's lane. A task already queued is
// not queued twice.
func (r *Router) ScheduleTask(task *types.Task) error {
	return r.queue.EnqueueTask(task.ChatID, task.Name, func(ctx context.Context) error {
		return r.RunTask(ctx, task)
	})
}

// RunTask runs task's prompt in its chat's folder without a session and
// sends the output to the chat.
func (r *Router) RunTask(ctx context.Context, task *types.Task) error {
	group := r.Group(task.ChatID)
	if group == nil {
		return fmt.Errorf("task %s: chat %s is not registered", task.Name, task.ChatID)
	}
	ch := r.channels.Find(task.ChatID)
	if ch == nil {
		return fmt.Errorf("task %s: no channel owns %s", task.Name, task.ChatID)
	}

	ctx, span := tracer.Start(ctx, "router.run_task")
	defer span.End()
	slog.Info("running task", "task", task.Name, "group", group.Name)

	r.mu.Lock()
	profile := r.chooseProfileLocked(task.ChatID, []*types.Message{{Content: task.Prompt}})
	r.mu.Unlock()

	var sendErr error
	status := r.runBackend(ctx, group, task.ChatID, task.Prompt, profile, true, func(o executor.Output) {
		if out := prompt.FormatOutbound(o.Result); out != "" {
			if err := ch.SendMessage(ctx, task.ChatID, out); err != nil {
				sendErr = errors.Join(sendErr, err)
			}
		}
		if o.Status == executor.StatusSuccess {
			r.queue.CloseInput(task.ChatID)
		}
	})
	if status == executor.StatusError {
		return fmt.Errorf("task %s: agent error", task.Name)
	}
	return sendErr
}
