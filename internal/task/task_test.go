package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"localrag/apps/backend/internal/task"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, task.StatusPending.Terminal())
	assert.False(t, task.StatusLeased.Terminal())
	assert.False(t, task.StatusRunning.Terminal())
	assert.True(t, task.StatusSuccess.Terminal())
	assert.True(t, task.StatusFailure.Terminal())
	assert.True(t, task.StatusCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to task.Status
		want     bool
	}{
		{task.StatusPending, task.StatusLeased, true},
		{task.StatusPending, task.StatusRunning, false},
		{task.StatusLeased, task.StatusRunning, true},
		{task.StatusRunning, task.StatusPending, true},
		{task.StatusRunning, task.StatusLeased, true},
		{task.StatusSuccess, task.StatusPending, false},
		{task.StatusFailure, task.StatusLeased, false},
		{task.StatusCancelled, task.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, task.CanTransition(tt.from, tt.to))
		})
	}
}

func TestKind_Valid(t *testing.T) {
	for _, k := range task.Kinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, task.Kind("reindex_everything").Valid())
}

func TestTask_LeaseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, (&task.Task{}).LeaseExpired(now))
	assert.True(t, (&task.Task{LeaseExpiresAt: &past}).LeaseExpired(now))
	assert.False(t, (&task.Task{LeaseExpiresAt: &future}).LeaseExpired(now))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, task.ClampProgress(-5))
	assert.Equal(t, 42, task.ClampProgress(42))
	assert.Equal(t, 100, task.ClampProgress(250))
}
