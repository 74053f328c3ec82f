package nsq_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	gonsq "github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/adapter/nsq"
	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/task"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

type countingWaker struct {
	n atomic.Int32
}

func (c *countingWaker) Wake() { c.n.Add(1) }

func TestNotifier_Notify(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", config.TopicTaskWake, mock.MatchedBy(func(body []byte) bool {
		var h nsq.Hint
		return json.Unmarshal(body, &h) == nil && h.TaskID == "t-1" && h.Kind == task.KindAnswerQuery
	})).Return(nil).Once()

	require.NoError(t, nsq.NewNotifier(pub).Notify(context.Background(), "t-1", task.KindAnswerQuery))
	pub.AssertExpectations(t)
}

func TestNotifier_PublishError(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("not connected"))

	err := nsq.NewNotifier(pub).Notify(context.Background(), "t-1", task.KindClearIndex)
	assert.ErrorContains(t, err, "publish wake hint")
}

func TestWakeHandler(t *testing.T) {
	w := &countingWaker{}
	h := nsq.NewWakeHandler(w)

	body, _ := json.Marshal(nsq.Hint{TaskID: "t-1", Kind: task.KindProcessDocuments})
	require.NoError(t, h.HandleMessage(&gonsq.Message{Body: body}))
	assert.Equal(t, int32(1), w.n.Load())

	require.NoError(t, h.HandleMessage(&gonsq.Message{Body: []byte("{")}))
	assert.Equal(t, int32(1), w.n.Load())
}
