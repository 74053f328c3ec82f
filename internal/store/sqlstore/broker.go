package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"localrag/apps/backend/internal/broker"
	"localrag/apps/backend/internal/task"
)

const taskColumns = `id, kind, payload, status, priority, attempts, max_attempts, cancel_requested,
	lease_token, lease_owner, lease_expires_at, timeout_ms, deadline_at, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                         task.Task
		kind, status              string
		cancel                    int
		token, owner, lastErr     sql.NullString
		leaseExp, deadline        sql.NullInt64
		timeout, created, updated int64
		payload                   []byte
	)
	err := row.Scan(&t.ID, &kind, &payload, &status, &t.Priority, &t.Attempts, &t.MaxAttempts, &cancel,
		&token, &owner, &leaseExp, &timeout, &deadline, &lastErr, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Kind = task.Kind(kind)
	t.Payload = payload
	t.Status = task.Status(status)
	t.CancelRequested = cancel != 0
	t.LeaseToken = token.String
	t.LeaseOwner = owner.String
	t.LastError = lastErr.String
	if leaseExp.Valid {
		exp := fromMillis(leaseExp.Int64)
		t.LeaseExpiresAt = &exp
	}
	t.Timeout = time.Duration(timeout) * time.Millisecond
	if deadline.Valid {
		d := fromMillis(deadline.Int64)
		t.DeadlineAt = &d
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func unavailable(err error) error {
	return task.Unavailable(err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) Enqueue(ctx context.Context, nt task.NewTask) (string, error) {
	if !nt.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", task.ErrUnknownKind, nt.Kind)
	}
	nt = broker.Normalize(nt)

	id := uuid.NewString()
	now := s.now()
	_, err := s.exec(ctx, `INSERT INTO tasks (id, kind, payload, status, priority, attempts, max_attempts,
		cancel_requested, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)`,
		id, string(nt.Kind), []byte(nt.Payload), string(task.StatusPending), nt.Priority, nt.MaxAttempts,
		nt.Timeout.Milliseconds(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

// Lease claims the best eligible task with one UPDATE whose target row is
// chosen by a sub-select. On postgres the sub-select skips rows locked by
// concurrent leasers; on sqlite the single connection serialises callers.
func (s *Store) Lease(ctx context.Context, owner string, visibility time.Duration) (*task.Task, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	now := s.millis()
	query := fmt.Sprintf(`UPDATE tasks SET
			status = 'LEASED',
			lease_token = ?,
			lease_owner = ?,
			lease_expires_at = ?,
			deadline_at = COALESCE(deadline_at, ? + timeout_ms),
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE cancel_requested = 0
				AND attempts < max_attempts
				AND (deadline_at IS NULL OR deadline_at > ?)
				AND (status = 'PENDING' OR (status IN ('LEASED', 'RUNNING') AND lease_expires_at <= ?))
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1 %s
		)
		RETURNING %s`, lock, taskColumns)

	var leased *task.Task
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var err error
		leased, err = scanTask(row)
		return err
	}, query, uuid.NewString(), owner, now+visibility.Milliseconds(), now, now, now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return leased, nil
}

func (s *Store) MarkRunning(ctx context.Context, id, token string) error {
	res, err := s.exec(ctx, `UPDATE tasks SET status = 'RUNNING', updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('LEASED', 'RUNNING')`,
		s.millis(), id, token)
	return heldResult(res, err)
}

func (s *Store) Heartbeat(ctx context.Context, id, token string, extend time.Duration) (bool, error) {
	now := s.millis()
	var cancel int
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&cancel)
	}, `UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('LEASED', 'RUNNING')
		RETURNING cancel_requested`,
		now+extend.Milliseconds(), now, id, token)
	if errors.Is(err, sql.ErrNoRows) {
		return false, task.ErrLeaseLost
	}
	if err != nil {
		return false, unavailable(err)
	}
	return cancel != 0, nil
}

func (s *Store) Ack(ctx context.Context, id, token string, final task.Status) error {
	if final != task.StatusSuccess && final != task.StatusCancelled {
		return fmt.Errorf("ack with non-final status %s", final)
	}
	res, err := s.exec(ctx, `UPDATE tasks SET status = ?, lease_token = NULL, lease_owner = NULL,
			lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('LEASED', 'RUNNING')`,
		string(final), s.millis(), id, token)
	return heldResult(res, err)
}

func heldResult(res sql.Result, err error) error {
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return task.ErrLeaseLost
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, id, token string, requeue bool, reason string) (task.Status, error) {
	now := s.millis()
	var status string
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&status)
	}, `UPDATE tasks SET
			status = CASE WHEN ? = 1 AND attempts < max_attempts AND deadline_at > ? THEN 'PENDING' ELSE 'FAILURE' END,
			lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL,
			last_error = COALESCE(NULLIF(?, ''), last_error),
			updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('LEASED', 'RUNNING')
		RETURNING status`,
		boolInt(requeue), now, reason, now, id, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", task.ErrLeaseLost
	}
	if err != nil {
		return "", unavailable(err)
	}
	return task.Status(status), nil
}

// Cancel uses conditional updates instead of a read-then-write transaction so
// the same statements are race-free on both dialects. A task that changes
// state between the two updates is re-examined.
func (s *Store) Cancel(ctx context.Context, id string) (task.Status, error) {
	for i := 0; i < 3; i++ {
		res, err := s.exec(ctx, `UPDATE tasks SET status = 'CANCELLED', cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'PENDING'`, s.millis(), id)
		if err != nil {
			return "", unavailable(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", unavailable(err)
		} else if n == 1 {
			return task.StatusCancelled, nil
		}

		var status string
		err = s.queryRow(ctx, func(row *sql.Row) error {
			return row.Scan(&status)
		}, `UPDATE tasks SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status IN ('LEASED', 'RUNNING')
			RETURNING status`, s.millis(), id)
		if err == nil {
			return task.Status(status), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", unavailable(err)
		}

		current, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if current.Status.Terminal() {
			return current.Status, task.ErrAlreadyTerminal
		}
	}
	return "", unavailable(fmt.Errorf("task %s kept changing state during cancel", id))
}

func (s *Store) Reap(ctx context.Context, now time.Time) ([]task.Task, error) {
	ms := now.UnixMilli()
	rows, err := s.query(ctx, `UPDATE tasks SET
			status = CASE WHEN cancel_requested = 1 THEN 'CANCELLED' ELSE 'FAILURE' END,
			last_error = CASE
				WHEN deadline_at <= ? THEN ?
				WHEN cancel_requested = 1 THEN ?
				ELSE ? END,
			lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL,
			updated_at = ?
		WHERE status IN ('PENDING', 'LEASED', 'RUNNING') AND (
			deadline_at <= ?
			OR (status IN ('LEASED', 'RUNNING') AND lease_expires_at <= ?
				AND (attempts >= max_attempts OR cancel_requested = 1))
		)
		RETURNING `+taskColumns,
		ms, task.ErrTimeout.Error(), task.ErrCancelled.Error(), "lease expired with no attempts remaining",
		s.millis(), ms, ms)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var reaped []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		reaped = append(reaped, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return reaped, nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var err error
		t, err = scanTask(row)
		return err
	}, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return t, nil
}

func (s *Store) Counts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable(err)
		}
		counts[task.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return counts, nil
}
