package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"localrag/apps/backend/internal/task"
)

type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now for lease and deadline arithmetic.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// MemoryStore is a Store kept entirely in process memory. It loses everything
// on restart and exists for tests and embedded use.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*entry
	seq   int64
	now   func() time.Time
}

type entry struct {
	task task.Task
	seq  int64
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{tasks: make(map[string]*entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Enqueue(ctx context.Context, nt task.NewTask) (string, error) {
	if !nt.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", task.ErrUnknownKind, nt.Kind)
	}
	nt = Normalize(nt)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	t := task.Task{
		ID:          uuid.NewString(),
		Kind:        nt.Kind,
		Payload:     append([]byte(nil), nt.Payload...),
		Status:      task.StatusPending,
		Priority:    nt.Priority,
		MaxAttempts: nt.MaxAttempts,
		Timeout:     nt.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = &entry{task: t, seq: m.seq}
	return t.ID, nil
}

func (m *MemoryStore) Lease(ctx context.Context, owner string, visibility time.Duration) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *entry
	for _, e := range m.tasks {
		if !m.eligible(&e.task, now) {
			continue
		}
		if best == nil ||
			e.task.Priority > best.task.Priority ||
			(e.task.Priority == best.task.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	exp := now.Add(visibility)
	best.task.Status = task.StatusLeased
	best.task.LeaseToken = uuid.NewString()
	best.task.LeaseOwner = owner
	best.task.LeaseExpiresAt = &exp
	if best.task.DeadlineAt == nil {
		deadline := now.Add(best.task.Timeout)
		best.task.DeadlineAt = &deadline
	}
	best.task.Attempts++
	best.task.UpdatedAt = now

	out := best.task
	return &out, nil
}

func (m *MemoryStore) eligible(t *task.Task, now time.Time) bool {
	if t.CancelRequested || t.Attempts >= t.MaxAttempts || t.DeadlinePassed(now) {
		return false
	}
	return t.Status == task.StatusPending || (t.Status.Active() && t.LeaseExpired(now))
}

// held returns the entry when token still owns an active lease on id.
func (m *MemoryStore) held(id, token string) (*entry, error) {
	e, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	if !e.task.Status.Active() || e.task.LeaseToken != token {
		return nil, task.ErrLeaseLost
	}
	return e, nil
}

func (m *MemoryStore) MarkRunning(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(id, token)
	if err != nil {
		return err
	}
	e.task.Status = task.StatusRunning
	e.task.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, id, token string, extend time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(id, token)
	if err != nil {
		return false, err
	}
	now := m.now()
	exp := now.Add(extend)
	e.task.LeaseExpiresAt = &exp
	e.task.UpdatedAt = now
	return e.task.CancelRequested, nil
}

func (m *MemoryStore) Ack(ctx context.Context, id, token string, final task.Status) error {
	if final != task.StatusSuccess && final != task.StatusCancelled {
		return fmt.Errorf("ack with non-final status %s", final)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(id, token)
	if err != nil {
		return err
	}
	return m.release(e, final, "")
}

func (m *MemoryStore) Nack(ctx context.Context, id, token string, requeue bool, reason string) (task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(id, token)
	if err != nil {
		return "", err
	}
	next := task.StatusFailure
	if requeue && e.task.Attempts < e.task.MaxAttempts && !e.task.DeadlinePassed(m.now()) {
		next = task.StatusPending
	}
	if err := m.release(e, next, reason); err != nil {
		return "", err
	}
	return next, nil
}

func (m *MemoryStore) release(e *entry, status task.Status, reason string) error {
	if !task.CanTransition(e.task.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s for task %s", e.task.Status, status, e.task.ID)
	}
	e.task.Status = status
	e.task.LeaseToken = ""
	e.task.LeaseOwner = ""
	e.task.LeaseExpiresAt = nil
	e.task.UpdatedAt = m.now()
	if reason != "" {
		e.task.LastError = reason
	}
	return nil
}

func (m *MemoryStore) Cancel(ctx context.Context, id string) (task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return "", task.ErrNotFound
	}
	switch {
	case e.task.Status.Terminal():
		return e.task.Status, task.ErrAlreadyTerminal
	case e.task.Status == task.StatusPending:
		e.task.CancelRequested = true
		if err := m.release(e, task.StatusCancelled, ""); err != nil {
			return "", err
		}
		return task.StatusCancelled, nil
	default:
		e.task.CancelRequested = true
		e.task.UpdatedAt = m.now()
		return e.task.Status, nil
	}
}

func (m *MemoryStore) Reap(ctx context.Context, now time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []task.Task
	for _, e := range m.tasks {
		t := &e.task
		if t.Status.Terminal() {
			continue
		}
		expired := t.Status.Active() && t.LeaseExpired(now) && (t.Attempts >= t.MaxAttempts || t.CancelRequested)
		if !expired && !t.DeadlinePassed(now) {
			continue
		}
		if err := m.release(e, ReapStatus(t), ReapReason(t, now)); err != nil {
			return reaped, err
		}
		reaped = append(reaped, *t)
	}
	return reaped, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	out := e.task
	return &out, nil
}

func (m *MemoryStore) Counts(ctx context.Context) (map[task.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[task.Status]int)
	for _, e := range m.tasks {
		counts[e.task.Status]++
	}
	return counts, nil
}
