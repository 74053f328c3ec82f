package task_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"localrag/apps/backend/internal/task"
)

func TestPermanent(t *testing.T) {
	base := errors.New("corrupt document")
	err := task.Permanent(base)

	assert.True(t, errors.Is(err, task.ErrPermanent))
	assert.True(t, errors.Is(err, base))
	assert.Same(t, err, task.Permanent(err))
	assert.Nil(t, task.Permanent(nil))
}

func TestUnavailable(t *testing.T) {
	base := errors.New("disk I/O error")
	err := task.Unavailable(base)

	assert.True(t, errors.Is(err, task.ErrBrokerUnavailable))
	assert.True(t, errors.Is(err, base))
	assert.Nil(t, task.Unavailable(nil))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent", task.Permanent(errors.New("bad")), false},
		{"invalid input", fmt.Errorf("decode: %w", task.ErrInvalidInput), false},
		{"unknown kind", task.ErrUnknownKind, false},
		{"cancelled", task.ErrCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, task.Retryable(tt.err))
		})
	}
}
