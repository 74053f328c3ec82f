package broker

import (
	"context"
	"time"

	"localrag/apps/backend/internal/task"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Minute
)

// Store is the durable side of task delivery. Implementations must make Lease
// atomic: two concurrent callers never receive the same task while its lease
// is unexpired.
type Store interface {
	Enqueue(ctx context.Context, t task.NewTask) (string, error)
	// Lease claims one eligible task or returns nil, nil when there is none.
	Lease(ctx context.Context, owner string, visibility time.Duration) (*task.Task, error)
	MarkRunning(ctx context.Context, id, token string) error
	// Heartbeat extends the lease and reports whether cancellation was requested.
	Heartbeat(ctx context.Context, id, token string, extend time.Duration) (bool, error)
	Ack(ctx context.Context, id, token string, final task.Status) error
	Nack(ctx context.Context, id, token string, requeue bool, reason string) (task.Status, error)
	// Cancel returns the status after the call: CANCELLED for a pending task,
	// the unchanged active status when only the flag could be set.
	Cancel(ctx context.Context, id string) (task.Status, error)
	// Reap terminates tasks whose lease expired with no attempts left, whose
	// deadline passed, or whose cancellation was never acknowledged. The
	// deadline starts at the first lease, so a task that never ran is never
	// reaped for timeout.
	Reap(ctx context.Context, now time.Time) ([]task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Counts(ctx context.Context) (map[task.Status]int, error)
}

// Normalize fills broker defaults into nt.
func Normalize(nt task.NewTask) task.NewTask {
	if nt.MaxAttempts <= 0 {
		nt.MaxAttempts = DefaultMaxAttempts
	}
	if nt.Timeout <= 0 {
		nt.Timeout = DefaultTimeout
	}
	if len(nt.Payload) == 0 {
		nt.Payload = []byte("{}")
	}
	return nt
}

// ReapReason describes why a task was terminated by Reap.
func ReapReason(t *task.Task, now time.Time) string {
	switch {
	case t.DeadlinePassed(now):
		return task.ErrTimeout.Error()
	case t.CancelRequested:
		return task.ErrCancelled.Error()
	default:
		return "lease expired with no attempts remaining"
	}
}

// ReapStatus is the terminal status a reaped task ends in.
func ReapStatus(t *task.Task) task.Status {
	if t.CancelRequested {
		return task.StatusCancelled
	}
	return task.StatusFailure
}
