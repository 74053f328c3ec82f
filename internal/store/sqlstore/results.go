package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"localrag/apps/backend/internal/task"
)

func (s *Store) putResult(ctx context.Context, r task.Result) error {
	updated := s.now()
	if !r.UpdatedAt.IsZero() {
		updated = r.UpdatedAt
	}
	_, err := s.exec(ctx, `INSERT INTO task_results (task_id, status, progress, message, payload, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			payload = excluded.payload,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		r.TaskID, string(r.Status), task.ClampProgress(r.Progress), r.Message, []byte(r.Payload), r.Error,
		updated.UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) getResult(ctx context.Context, taskID string) (*task.Result, error) {
	var (
		r       task.Result
		status  string
		payload []byte
		updated int64
	)
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&r.TaskID, &status, &r.Progress, &r.Message, &payload, &r.Error, &updated)
	}, `SELECT task_id, status, progress, message, payload, error, updated_at FROM task_results WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	r.Status = task.Status(status)
	if len(payload) > 0 {
		r.Payload = payload
	}
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func (s *Store) clearResults(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM task_results`)
	if err != nil {
		return 0, unavailable(err)
	}
	return res.RowsAffected()
}

// Results returns the results.Store view of s.
func (s *Store) Results() *ResultStore {
	return &ResultStore{s: s}
}

type ResultStore struct {
	s *Store
}

func (r *ResultStore) Put(ctx context.Context, res task.Result) error {
	return r.s.putResult(ctx, res)
}

func (r *ResultStore) Get(ctx context.Context, taskID string) (*task.Result, error) {
	return r.s.getResult(ctx, taskID)
}

func (r *ResultStore) Clear(ctx context.Context) (int64, error) {
	return r.s.clearResults(ctx)
}
