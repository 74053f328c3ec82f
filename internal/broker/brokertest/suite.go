// Package brokertest holds behavioural tests shared by every broker.Store.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/broker"
	"localrag/apps/backend/internal/task"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store that reads time from now.
type Factory func(t *testing.T, now func() time.Time) broker.Store

const visibility = 10 * time.Second

func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueAndGet", func(t *testing.T) { testEnqueueAndGet(t, newStore) })
	t.Run("LeaseEmpty", func(t *testing.T) { testLeaseEmpty(t, newStore) })
	t.Run("LeasePriority", func(t *testing.T) { testLeasePriority(t, newStore) })
	t.Run("ConcurrentLease", func(t *testing.T) { testConcurrentLease(t, newStore) })
	t.Run("ExpiredLeaseRedelivered", func(t *testing.T) { testExpiredLeaseRedelivered(t, newStore) })
	t.Run("AttemptsExhausted", func(t *testing.T) { testAttemptsExhausted(t, newStore) })
	t.Run("HeartbeatExtends", func(t *testing.T) { testHeartbeatExtends(t, newStore) })
	t.Run("Ack", func(t *testing.T) { testAck(t, newStore) })
	t.Run("Nack", func(t *testing.T) { testNack(t, newStore) })
	t.Run("CancelPending", func(t *testing.T) { testCancelPending(t, newStore) })
	t.Run("CancelRunning", func(t *testing.T) { testCancelRunning(t, newStore) })
	t.Run("ReapDeadline", func(t *testing.T) { testReapDeadline(t, newStore) })
	t.Run("QueueWaitDoesNotCountAgainstTimeout", func(t *testing.T) { testQueueWaitDoesNotCountAgainstTimeout(t, newStore) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore) })
}

func enqueue(t *testing.T, s broker.Store, nt task.NewTask) string {
	t.Helper()
	if nt.Kind == "" {
		nt.Kind = task.KindAnswerQuery
	}
	if nt.Payload == nil {
		nt.Payload = json.RawMessage(`{"question":"q"}`)
	}
	id, err := s.Enqueue(context.Background(), nt)
	require.NoError(t, err)
	return id
}

func lease(t *testing.T, s broker.Store, owner string) *task.Task {
	t.Helper()
	leased, err := s.Lease(context.Background(), owner, visibility)
	require.NoError(t, err)
	return leased
}

func testEnqueueAndGet(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()

	id := enqueue(t, s, task.NewTask{Kind: task.KindClearIndex, Payload: json.RawMessage(`{"clear_cache":true}`)})
	assert.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, task.KindClearIndex, got.Kind)
	assert.JSONEq(t, `{"clear_cache":true}`, string(got.Payload))
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, broker.DefaultMaxAttempts, got.MaxAttempts)
	assert.Equal(t, broker.DefaultTimeout, got.Timeout)
	assert.Nil(t, got.DeadlineAt, "deadline starts at the first lease")

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, task.ErrNotFound))
}

func testLeaseEmpty(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	assert.Nil(t, lease(t, s, "w1"))
}

func testLeasePriority(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)

	low := enqueue(t, s, task.NewTask{Priority: 0})
	clock.Advance(time.Millisecond)
	high := enqueue(t, s, task.NewTask{Priority: 5})
	clock.Advance(time.Millisecond)
	low2 := enqueue(t, s, task.NewTask{Priority: 0})

	first := lease(t, s, "w1")
	require.NotNil(t, first)
	assert.Equal(t, high, first.ID)
	assert.Equal(t, task.StatusLeased, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.NotEmpty(t, first.LeaseToken)
	require.NotNil(t, first.LeaseExpiresAt)
	assert.True(t, first.LeaseExpiresAt.Equal(clock.Now().Add(visibility)))

	second := lease(t, s, "w1")
	require.NotNil(t, second)
	assert.Equal(t, low, second.ID)

	third := lease(t, s, "w1")
	require.NotNil(t, third)
	assert.Equal(t, low2, third.ID)

	assert.Nil(t, lease(t, s, "w1"))
}

func testConcurrentLease(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	const tasks, workers = 40, 8
	for i := 0; i < tasks; i++ {
		enqueue(t, s, task.NewTask{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				leased, err := s.Lease(context.Background(), owner, visibility)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if leased == nil {
					return
				}
				mu.Lock()
				seen[leased.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s leased more than once", id)
	}
}

func testExpiredLeaseRedelivered(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{})

	first := lease(t, s, "w1")
	require.NotNil(t, first)
	assert.Nil(t, lease(t, s, "w2"), "unexpired lease must hide the task")

	clock.Advance(visibility + time.Second)

	second := lease(t, s, "w2")
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)
	assert.Equal(t, "w2", second.LeaseOwner)

	_, err := s.Heartbeat(ctx, id, first.LeaseToken, visibility)
	assert.True(t, errors.Is(err, task.ErrLeaseLost))
	err = s.Ack(ctx, id, first.LeaseToken, task.StatusSuccess)
	assert.True(t, errors.Is(err, task.ErrLeaseLost))

	require.NoError(t, s.Ack(ctx, id, second.LeaseToken, task.StatusSuccess))
}

func testAttemptsExhausted(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{MaxAttempts: 2})

	for i := 1; i <= 2; i++ {
		leased := lease(t, s, "w1")
		require.NotNil(t, leased, "attempt %d", i)
		assert.Equal(t, i, leased.Attempts)
		clock.Advance(visibility + time.Second)
	}

	assert.Nil(t, lease(t, s, "w1"))

	reaped, err := s.Reap(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, id, reaped[0].ID)
	assert.Equal(t, task.StatusFailure, reaped[0].Status)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, got.Status)
	assert.NotEmpty(t, got.LastError)

	clock.Advance(time.Hour)
	assert.Nil(t, lease(t, s, "w1"))
	reaped, err = s.Reap(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func testHeartbeatExtends(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	enqueue(t, s, task.NewTask{})

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	require.NoError(t, s.MarkRunning(ctx, leased.ID, leased.LeaseToken))

	clock.Advance(visibility - 2*time.Second)
	cancelled, err := s.Heartbeat(ctx, leased.ID, leased.LeaseToken, visibility)
	require.NoError(t, err)
	assert.False(t, cancelled)

	clock.Advance(visibility - 2*time.Second)
	assert.Nil(t, lease(t, s, "w2"), "heartbeat must keep the task hidden")

	got, err := s.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func testAck(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{})

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	require.NoError(t, s.MarkRunning(ctx, id, leased.LeaseToken))
	require.NoError(t, s.Ack(ctx, id, leased.LeaseToken, task.StatusSuccess))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)

	assert.True(t, errors.Is(s.Ack(ctx, id, leased.LeaseToken, task.StatusSuccess), task.ErrLeaseLost))
	assert.Error(t, s.Ack(ctx, id, leased.LeaseToken, task.StatusFailure))

	_, err = s.Cancel(ctx, id)
	assert.True(t, errors.Is(err, task.ErrAlreadyTerminal))
	assert.Nil(t, lease(t, s, "w1"))
}

func testNack(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{MaxAttempts: 2})

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	status, err := s.Nack(ctx, id, leased.LeaseToken, true, "embedding service unavailable")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "embedding service unavailable", got.LastError)

	leased = lease(t, s, "w1")
	require.NotNil(t, leased)
	assert.Equal(t, 2, leased.Attempts)
	status, err = s.Nack(ctx, id, leased.LeaseToken, true, "still unavailable")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, status, "requeue is refused once attempts are exhausted")

	other := enqueue(t, s, task.NewTask{})
	leased = lease(t, s, "w1")
	require.NotNil(t, leased)
	assert.Equal(t, other, leased.ID)
	status, err = s.Nack(ctx, other, leased.LeaseToken, false, "corrupt document")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailure, status)

	_, err = s.Nack(ctx, other, leased.LeaseToken, true, "again")
	assert.True(t, errors.Is(err, task.ErrLeaseLost))
}

func testCancelPending(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{})

	status, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, status)
	assert.Nil(t, lease(t, s, "w1"))

	_, err = s.Cancel(ctx, id)
	assert.True(t, errors.Is(err, task.ErrAlreadyTerminal))

	_, err = s.Cancel(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, task.ErrNotFound))
}

func testCancelRunning(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{})

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	require.NoError(t, s.MarkRunning(ctx, id, leased.LeaseToken))

	status, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, status)

	cancelled, err := s.Heartbeat(ctx, id, leased.LeaseToken, visibility)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, s.Ack(ctx, id, leased.LeaseToken, task.StatusCancelled))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// A holder that never acknowledges the flag is reaped as cancelled.
	id2 := enqueue(t, s, task.NewTask{})
	leased = lease(t, s, "w1")
	require.NotNil(t, leased)
	_, err = s.Cancel(ctx, id2)
	require.NoError(t, err)
	clock.Advance(visibility + time.Second)
	assert.Nil(t, lease(t, s, "w2"), "cancel-requested tasks are never redelivered")

	reaped, err := s.Reap(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, task.StatusCancelled, reaped[0].Status)
}

func testReapDeadline(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{Timeout: time.Minute})

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	require.NoError(t, s.MarkRunning(ctx, id, leased.LeaseToken))

	// The holder keeps heartbeating but the overall ceiling still applies.
	for i := 0; i < 8; i++ {
		clock.Advance(visibility - time.Second)
		_, err := s.Heartbeat(ctx, id, leased.LeaseToken, visibility)
		require.NoError(t, err)
	}

	reaped, err := s.Reap(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, task.StatusFailure, reaped[0].Status)
	assert.Contains(t, reaped[0].LastError, "timeout")

	err = s.Ack(ctx, id, leased.LeaseToken, task.StatusSuccess)
	assert.True(t, errors.Is(err, task.ErrLeaseLost))
}

func testQueueWaitDoesNotCountAgainstTimeout(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock.Now)
	ctx := context.Background()
	id := enqueue(t, s, task.NewTask{Timeout: time.Minute})

	clock.Advance(2 * time.Minute)
	reaped, err := s.Reap(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, reaped)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.LastError)

	leased := lease(t, s, "w1")
	require.NotNil(t, leased)
	assert.Equal(t, id, leased.ID)
	require.NotNil(t, leased.DeadlineAt)
	assert.True(t, leased.DeadlineAt.Equal(clock.Now().Add(time.Minute)))

	// A later re-lease keeps the deadline of the first one.
	clock.Advance(visibility + time.Second)
	again := lease(t, s, "w2")
	require.NotNil(t, again)
	assert.True(t, again.DeadlineAt.Equal(*leased.DeadlineAt))
}

func testCounts(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock().Now)
	ctx := context.Background()
	enqueue(t, s, task.NewTask{})
	enqueue(t, s, task.NewTask{})
	cancelled := enqueue(t, s, task.NewTask{})
	_, err := s.Cancel(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, lease(t, s, "w1"))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusPending])
	assert.Equal(t, 1, counts[task.StatusLeased])
	assert.Equal(t, 1, counts[task.StatusCancelled])
}
