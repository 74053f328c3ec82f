package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusLeased    Status = "LEASED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Active reports whether a worker currently holds (or held, if expired) a lease.
func (s Status) Active() bool {
	return s == StatusLeased || s == StatusRunning
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusLeased:    true,
		StatusCancelled: true,
		StatusFailure:   true,
	},
	StatusLeased: {
		StatusLeased:    true, // re-lease after expiry
		StatusRunning:   true,
		StatusPending:   true,
		StatusSuccess:   true,
		StatusFailure:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusLeased:    true,
		StatusPending:   true,
		StatusSuccess:   true,
		StatusFailure:   true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal task status change.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

type Kind string

const (
	KindProcessDocuments Kind = "process_documents"
	KindAnswerQuery      Kind = "answer_query"
	KindBatchQuery       Kind = "batch_query"
	KindClearIndex       Kind = "clear_index"
)

func Kinds() []Kind {
	return []Kind{KindProcessDocuments, KindAnswerQuery, KindBatchQuery, KindClearIndex}
}

func (k Kind) Valid() bool {
	switch k {
	case KindProcessDocuments, KindAnswerQuery, KindBatchQuery, KindClearIndex:
		return true
	}
	return false
}

// Task is the envelope persisted by the broker.
type Task struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	LeaseToken      string          `json:"-"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	Timeout         time.Duration   `json:"timeout"`
	// DeadlineAt is set by the first lease to that lease's time plus Timeout.
	// Queue wait does not count against it.
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DeadlinePassed reports whether the task has started and its overall
// deadline is not after now.
func (t *Task) DeadlinePassed(now time.Time) bool {
	return t.DeadlineAt != nil && !t.DeadlineAt.After(now)
}

// LeaseExpired reports whether the current lease ended before now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
}

// NewTask carries everything needed to enqueue. Zero values are replaced by
// broker defaults.
type NewTask struct {
	Kind        Kind
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	Timeout     time.Duration
}

// Result is the observable outcome of a task, including live progress.
type Result struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ClampProgress bounds pct to [0, 100].
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
