package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"localrag/apps/backend/internal/broker"
	"localrag/apps/backend/internal/metrics"
	"localrag/apps/backend/internal/middleware"
	"localrag/apps/backend/internal/results"
	"localrag/apps/backend/internal/task"
)

const (
	DefaultSize            = 4
	DefaultVisibility      = 30 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxPollInterval = 5 * time.Second
	DefaultReapInterval    = 5 * time.Second

	finalizeTimeout = 10 * time.Second
)

type Config struct {
	Size       int
	Visibility time.Duration
	// HeartbeatInterval defaults to a third of Visibility.
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	ReapInterval      time.Duration
	Owner             string
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.Visibility <= 0 {
		c.Visibility = DefaultVisibility
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.Visibility {
		c.HeartbeatInterval = c.Visibility / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.PollInterval)
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// Pool runs a fixed number of executors that lease tasks from the broker and
// dispatch them through the registry.
type Pool struct {
	broker   broker.Store
	results  results.Store
	registry *Registry
	cfg      Config
	now      func() time.Time

	wake chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewPool(b broker.Store, r results.Store, reg *Registry, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		broker:   b,
		results:  r,
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, cfg.Size),
	}
}

func (p *Pool) Config() Config { return p.cfg }

// Start launches the executors and the reaper. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g

	for i := range p.cfg.Size {
		owner := fmt.Sprintf("%s/%d", p.cfg.Owner, i)
		g.Go(func() error { return p.runExecutor(ctx, owner) })
	}
	g.Go(func() error { return p.runReaper(ctx) })
	slog.Info("worker pool started", "size", p.cfg.Size, "visibility", p.cfg.Visibility, "owner", p.cfg.Owner)
}

// Stop cancels every executor and waits for in-flight handlers to finish
// their bookkeeping.
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

// Wake cuts short the idle wait of one executor. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) runExecutor(ctx context.Context, owner string) error {
	wait := p.cfg.PollInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		worked, err := p.ProcessNext(ctx, owner)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("lease failed", "owner", owner, "error", err)
		}
		if worked {
			wait = p.cfg.PollInterval
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			wait = p.cfg.PollInterval
		case <-timer.C:
			wait = min(wait*2, p.cfg.MaxPollInterval)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (p *Pool) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("reap failed", "error", err)
			}
		}
	}
}

// ProcessNext leases and runs at most one task. It reports whether a task
// was found.
func (p *Pool) ProcessNext(ctx context.Context, owner string) (bool, error) {
	t, err := p.broker.Lease(ctx, owner, p.cfg.Visibility)
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("lease").Inc()
		return false, err
	}
	if t == nil {
		return false, nil
	}
	p.execute(ctx, t)
	return true, nil
}

// ReapOnce terminates abandoned or overdue tasks and records their results.
func (p *Pool) ReapOnce(ctx context.Context) (int, error) {
	now := p.now()
	reaped, err := p.broker.Reap(ctx, now)
	for i := range reaped {
		t := &reaped[i]
		status := broker.ReapStatus(t)
		r := task.Result{TaskID: t.ID, Status: status}
		if status == task.StatusCancelled {
			r.Message = broker.ReapReason(t, now)
		} else {
			r.Error = broker.ReapReason(t, now)
		}
		p.putResult(ctx, r)
		metrics.TasksReaped.WithLabelValues(string(status)).Inc()
		slog.WarnContext(ctx, "task reaped", "task_id", t.ID, "kind", t.Kind, "status", status, "reason", broker.ReapReason(t, now))
	}
	if err != nil {
		metrics.BrokerErrors.WithLabelValues("reap").Inc()
	}
	return len(reaped), err
}

func (p *Pool) execute(ctx context.Context, t *task.Task) {
	ctx = middleware.WithTaskID(ctx, t.ID)
	log := slog.With("task_id", t.ID, "kind", t.Kind, "attempt", t.Attempts)

	if err := p.broker.MarkRunning(ctx, t.ID, t.LeaseToken); err != nil {
		log.WarnContext(ctx, "could not mark task running", "error", err)
		return
	}

	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()
	start := time.Now()

	exec := newExecution(t.ID, t.Attempts, p.results)
	exec.SetProgress(ctx, 0, "running")

	handler, ok := p.registry.Lookup(t.Kind)
	if !ok {
		p.finish(ctx, t, exec, nil, task.Permanent(fmt.Errorf("%w: %s", task.ErrUnknownKind, t.Kind)), false)
		return
	}

	// DeadlineAt is on the broker's clock; only the time left carries over.
	deadline := start.Add(t.Timeout)
	if t.DeadlineAt != nil {
		deadline = start.Add(t.DeadlineAt.Sub(p.now()))
	}
	runCtx, cancelRun := context.WithDeadlineCause(ctx, deadline, task.ErrTimeout)
	defer cancelRun()
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)

	var leaseLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, t, exec, cancelCause, &leaseLost)
	}()

	out, err := invoke(runCtx, handler, exec, t.Payload)
	stopHeartbeat()
	<-hbDone
	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(context.Cause(runCtx), task.ErrTimeout) {
		err = task.Permanent(fmt.Errorf("%w: %w", task.ErrTimeout, err))
	}
	if err == nil && out != nil {
		if _, merr := json.Marshal(out); merr != nil {
			err = task.Permanent(fmt.Errorf("encode result: %w", merr))
		}
	}
	p.finish(ctx, t, exec, out, err, leaseLost.Load())
}

// heartbeat extends the lease until ctx ends. A lost lease or a cancellation
// request cancels the handler's context with the matching cause.
func (p *Pool) heartbeat(ctx context.Context, t *task.Task, exec *Execution, cancel context.CancelCauseFunc, lost *atomic.Bool) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cancelRequested, err := p.broker.Heartbeat(ctx, t.ID, t.LeaseToken, p.cfg.Visibility)
		switch {
		case errors.Is(err, task.ErrLeaseLost):
			lost.Store(true)
			cancel(task.ErrLeaseLost)
			return
		case err != nil:
			if ctx.Err() == nil {
				metrics.BrokerErrors.WithLabelValues("heartbeat").Inc()
				slog.WarnContext(ctx, "heartbeat failed", "task_id", t.ID, "error", err)
			}
		case cancelRequested && !exec.Cancelled():
			slog.InfoContext(ctx, "cancellation requested", "task_id", t.ID)
			exec.requestCancel()
			cancel(task.ErrCancelled)
		}
	}
}

// finish records the outcome. Its writes outlive the pool context so a
// shutdown still leaves a consistent task.
func (p *Pool) finish(parent context.Context, t *task.Task, exec *Execution, out any, runErr error, leaseLost bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()
	kind := string(t.Kind)

	if leaseLost {
		metrics.TasksFinished.WithLabelValues(kind, "lease_lost").Inc()
		slog.WarnContext(ctx, "lease lost, dropping outcome", "task_id", t.ID)
		return
	}

	switch {
	case runErr == nil:
		payload, _ := json.Marshal(out)
		if !p.ack(ctx, t, task.StatusSuccess) {
			return
		}
		p.putResult(ctx, task.Result{TaskID: t.ID, Status: task.StatusSuccess, Progress: 100, Payload: payload})
		metrics.TasksFinished.WithLabelValues(kind, "success").Inc()
		slog.InfoContext(ctx, "task succeeded", "task_id", t.ID, "kind", t.Kind)

	case exec.Cancelled() || errors.Is(runErr, task.ErrCancelled):
		if !p.ack(ctx, t, task.StatusCancelled) {
			return
		}
		p.putResult(ctx, task.Result{TaskID: t.ID, Status: task.StatusCancelled, Progress: exec.Progress(), Message: task.ErrCancelled.Error()})
		metrics.TasksFinished.WithLabelValues(kind, "cancelled").Inc()
		slog.InfoContext(ctx, "task cancelled", "task_id", t.ID)

	default:
		requeue := task.Retryable(runErr) && t.Attempts < t.MaxAttempts
		status, err := p.broker.Nack(ctx, t.ID, t.LeaseToken, requeue, runErr.Error())
		if err != nil {
			metrics.BrokerErrors.WithLabelValues("nack").Inc()
			slog.ErrorContext(ctx, "nack failed", "task_id", t.ID, "error", err)
			return
		}
		r := task.Result{TaskID: t.ID, Status: status, Progress: exec.Progress(), Error: runErr.Error()}
		outcome := "failure"
		if status == task.StatusPending {
			r.Message = fmt.Sprintf("retrying after attempt %d of %d", t.Attempts, t.MaxAttempts)
			outcome = "retry"
		}
		p.putResult(ctx, r)
		metrics.TasksFinished.WithLabelValues(kind, outcome).Inc()
		slog.WarnContext(ctx, "task failed", "task_id", t.ID, "kind", t.Kind, "status", status, "error", runErr)
		if status == task.StatusPending {
			p.Wake()
		}
	}
}

// ack settles the broker first. The final result is only written once the
// broker agrees, so a task that was reaped meanwhile keeps whatever status the
// reaper gave it.
func (p *Pool) ack(ctx context.Context, t *task.Task, final task.Status) bool {
	if err := p.broker.Ack(ctx, t.ID, t.LeaseToken, final); err != nil {
		metrics.BrokerErrors.WithLabelValues("ack").Inc()
		metrics.TasksFinished.WithLabelValues(string(t.Kind), "ack_failed").Inc()
		slog.ErrorContext(ctx, "ack failed, dropping outcome", "task_id", t.ID, "status", final, "error", err)
		return false
	}
	return true
}

func (p *Pool) putResult(ctx context.Context, r task.Result) {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = p.now().UTC()
	}
	if err := p.results.Put(ctx, r); err != nil {
		slog.ErrorContext(ctx, "failed to write task result", "task_id", r.TaskID, "status", r.Status, "error", err)
	}
}
