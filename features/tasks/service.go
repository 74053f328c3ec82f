package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"localrag/apps/backend/internal/broker"
	"localrag/apps/backend/internal/metrics"
	"localrag/apps/backend/internal/results"
	"localrag/apps/backend/internal/task"
)

// Runner executes a handler on the calling goroutine; *worker.Registry.
type Runner interface {
	RunInline(ctx context.Context, kind task.Kind, payload json.RawMessage) (any, error)
}

// Notifier tells other processes a task is waiting.
type Notifier interface {
	Notify(ctx context.Context, id string, kind task.Kind) error
}

// Waker wakes an in-process worker pool.
type Waker interface {
	Wake()
}

type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	Notifier    Notifier
	Waker       Waker
}

type SubmitOptions struct {
	Priority int
}

type Service struct {
	broker  broker.Store
	results results.Store
	runner  Runner
	opts    Options
}

func NewService(b broker.Store, r results.Store, runner Runner, opts Options) *Service {
	return &Service{broker: b, results: r, runner: runner, opts: opts}
}

// Submit validates payload for kind and enqueues it. Invalid payloads are
// rejected with task.ErrInvalidInput and never reach the broker.
func (s *Service) Submit(ctx context.Context, kind task.Kind, payload json.RawMessage, so SubmitOptions) (string, error) {
	if err := task.ValidatePayload(kind, payload); err != nil {
		return "", err
	}

	id, err := s.broker.Enqueue(ctx, task.NewTask{
		Kind:        kind,
		Payload:     payload,
		Priority:    so.Priority,
		MaxAttempts: s.opts.MaxAttempts,
		Timeout:     s.opts.Timeout,
	})
	if err != nil {
		return "", err
	}
	metrics.TasksEnqueued.WithLabelValues(string(kind)).Inc()
	slog.InfoContext(ctx, "task submitted", "task_id", id, "kind", kind, "priority", so.Priority)

	if err := s.results.Put(ctx, task.Result{
		TaskID:  id,
		Status:  task.StatusPending,
		Message: defaultMessage(task.StatusPending),
	}); err != nil {
		slog.WarnContext(ctx, "failed to record pending result", "task_id", id, "error", err)
	}

	if s.opts.Waker != nil {
		s.opts.Waker.Wake()
	}
	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.Notify(ctx, id, kind); err != nil {
			slog.WarnContext(ctx, "failed to publish wake hint", "task_id", id, "error", err)
		}
	}
	return id, nil
}

func (s *Service) Status(ctx context.Context, id string) (*View, error) {
	t, err := s.broker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.results.Get(ctx, id)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}

	v := &View{
		TaskID:      t.ID,
		Kind:        t.Kind,
		Status:      t.Status,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if r != nil {
		v.Progress = r.Progress
		v.Message = r.Message
		v.Result = r.Payload
		v.Error = r.Error
		if r.UpdatedAt.After(v.UpdatedAt) {
			v.UpdatedAt = r.UpdatedAt
		}
	}

	// The broker is authoritative for terminal states; the result row may
	// still show the last progress write.
	if t.Status != task.StatusSuccess {
		v.Result = nil
	}
	switch t.Status {
	case task.StatusSuccess:
		v.Progress = 100
	case task.StatusFailure:
		if v.Error == "" {
			v.Error = t.LastError
		}
	case task.StatusCancelled:
		v.Error = ""
	}
	if r == nil || (t.Status.Terminal() && r.Status != t.Status) {
		v.Message = defaultMessage(t.Status)
	}
	return v, nil
}

// Cancel stops a pending task at once and flags an active one; its worker
// observes the flag on the next heartbeat.
func (s *Service) Cancel(ctx context.Context, id string) (task.Status, error) {
	st, err := s.broker.Cancel(ctx, id)
	if err != nil {
		return st, err
	}
	slog.InfoContext(ctx, "task cancellation requested", "task_id", id, "status", st)

	if st == task.StatusCancelled {
		if err := s.results.Put(ctx, task.Result{
			TaskID:  id,
			Status:  task.StatusCancelled,
			Message: "Task cancelled before it started",
		}); err != nil {
			slog.WarnContext(ctx, "failed to record cancelled result", "task_id", id, "error", err)
		}
	}
	return st, nil
}

// Retry resubmits the payload of a failed or cancelled task as a new task.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	t, err := s.broker.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != task.StatusFailure && t.Status != task.StatusCancelled {
		return "", fmt.Errorf("%w: task %s is %s", task.ErrNotRetryable, id, t.Status)
	}
	newID, err := s.Submit(ctx, t.Kind, t.Payload, SubmitOptions{Priority: t.Priority})
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "task retried", "task_id", id, "new_task_id", newID)
	return newID, nil
}

// RunInline validates payload and runs its handler synchronously, bypassing
// the broker.
func (s *Service) RunInline(ctx context.Context, kind task.Kind, payload json.RawMessage) (any, error) {
	if err := task.ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	return s.runner.RunInline(ctx, kind, payload)
}

func (s *Service) Counts(ctx context.Context) (map[task.Status]int, error) {
	return s.broker.Counts(ctx)
}
