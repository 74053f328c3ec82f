package tasks

import (
	"encoding/json"
	"time"

	"localrag/apps/backend/internal/task"
)

// View is what callers see for a task: delivery state from the broker merged
// with the latest progress and outcome from the result store.
type View struct {
	TaskID      string          `json:"task_id"`
	Kind        task.Kind       `json:"kind"`
	Status      task.Status     `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Accepted struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

func defaultMessage(s task.Status) string {
	switch s {
	case task.StatusPending:
		return "Task is waiting to be processed"
	case task.StatusLeased:
		return "Task picked up by a worker"
	case task.StatusRunning:
		return "Processing..."
	case task.StatusSuccess:
		return "Task completed successfully"
	case task.StatusFailure:
		return "Task failed"
	case task.StatusCancelled:
		return "Task cancelled"
	}
	return string(s)
}
