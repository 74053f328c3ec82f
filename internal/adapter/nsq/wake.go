// Package nsq sends and receives task wake-up hints. Hints only shorten the
// delay before an idle worker polls; losing one never loses a task.
package nsq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	gonsq "github.com/nsqio/go-nsq"

	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/task"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Waker interface {
	Wake()
}

type Hint struct {
	TaskID string    `json:"task_id"`
	Kind   task.Kind `json:"kind"`
}

type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) Notify(ctx context.Context, id string, kind task.Kind) error {
	body, err := json.Marshal(Hint{TaskID: id, Kind: kind})
	if err != nil {
		return err
	}
	if err := n.pub.Publish(config.TopicTaskWake, body); err != nil {
		return fmt.Errorf("publish wake hint: %w", err)
	}
	slog.DebugContext(ctx, "wake hint published", "task_id", id, "kind", kind)
	return nil
}

// WakeHandler turns every hint into a Wake call. Malformed bodies are
// finished without retry.
type WakeHandler struct {
	waker Waker
}

func NewWakeHandler(w Waker) *WakeHandler {
	return &WakeHandler{waker: w}
}

func (h *WakeHandler) HandleMessage(m *gonsq.Message) error {
	var hint Hint
	if err := json.Unmarshal(m.Body, &hint); err != nil {
		slog.Warn("dropping malformed wake hint", "error", err)
		return nil
	}
	slog.Debug("wake hint received", "task_id", hint.TaskID, "kind", hint.Kind)
	h.waker.Wake()
	return nil
}

// Subscribe connects a consumer on the shared workers channel, through
// lookupd when configured and straight to nsqd otherwise.
func Subscribe(cfg *config.Config, w Waker) (*gonsq.Consumer, error) {
	consumer, err := gonsq.NewConsumer(config.TopicTaskWake, config.ChannelWorkers, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddHandler(NewWakeHandler(w))

	if cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect error: %w", err)
	}
	return consumer, nil
}

func NewProducer(cfg *config.Config) (*gonsq.Producer, error) {
	producer, err := gonsq.NewProducer(cfg.NSQDHost, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	return producer, nil
}
