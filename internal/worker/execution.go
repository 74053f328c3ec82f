package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"localrag/apps/backend/internal/results"
	"localrag/apps/backend/internal/task"
)

// Execution is the handler's view of the task it is running.
type Execution struct {
	taskID    string
	attempt   int
	results   results.Store
	cancelled atomic.Bool
	progress  atomic.Int64
}

func newExecution(taskID string, attempt int, store results.Store) *Execution {
	return &Execution{taskID: taskID, attempt: attempt, results: store}
}

// NewInlineExecution is used when a handler runs outside the pool. Progress
// is only logged.
func NewInlineExecution() *Execution {
	return newExecution("inline-"+uuid.NewString(), 1, nil)
}

func (e *Execution) TaskID() string { return e.taskID }

func (e *Execution) Attempt() int { return e.attempt }

// SetProgress records a RUNNING progress update. Store failures are logged and
// never fail the task.
func (e *Execution) SetProgress(ctx context.Context, pct int, msg string) {
	pct = task.ClampProgress(pct)
	e.progress.Store(int64(pct))
	if e.results == nil {
		slog.DebugContext(ctx, "progress", "task_id", e.taskID, "progress", pct, "message", msg)
		return
	}
	err := e.results.Put(ctx, task.Result{
		TaskID:    e.taskID,
		Status:    task.StatusRunning,
		Progress:  pct,
		Message:   msg,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to record progress", "task_id", e.taskID, "error", err)
	}
}

func (e *Execution) Progress() int {
	return int(e.progress.Load())
}

// Checkpoint returns task.ErrCancelled once cancellation has been requested.
// Handlers call it between units of work.
func (e *Execution) Checkpoint() error {
	if e.cancelled.Load() {
		return task.ErrCancelled
	}
	return nil
}

func (e *Execution) Cancelled() bool {
	return e.cancelled.Load()
}

func (e *Execution) requestCancel() {
	e.cancelled.Store(true)
}
