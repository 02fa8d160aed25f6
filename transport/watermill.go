package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
)

// WatermillQueue turns a push-style Watermill subscriber into a Queue. The
// subscription is opened eagerly so messages published after construction
// are not lost. Ack and Release map onto the Watermill message's Ack and Nack.
type WatermillQueue struct {
	sub      message.Subscriber
	topic    string
	messages <-chan *message.Message
	cancel   context.CancelFunc
	logger   watermill.LoggerAdapter

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewWatermillQueue subscribes to topic and returns a queue over it.
func NewWatermillQueue(sub message.Subscriber, topic string, logger watermill.LoggerAdapter) (*WatermillQueue, error) {
	if sub == nil {
		return nil, errspkg.ErrQueueRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	logger.Info("Subscribed queue", watermill.LogFields{"topic": topic})
	return &WatermillQueue{
		sub:      sub,
		topic:    topic,
		messages: messages,
		cancel:   cancel,
		logger:   logger,
		closed:   make(chan struct{}),
	}, nil
}

// Receive blocks until the first message arrives or wait elapses, then
// drains whatever is already buffered up to maxMessages.
func (q *WatermillQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Message, error) {
	select {
	case <-q.closed:
		return nil, errspkg.ErrQueueClosed
	default:
	}
	if maxMessages < 1 {
		maxMessages = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []*Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, errspkg.ErrQueueClosed
	case <-timer.C:
		return nil, nil
	case msg, ok := <-q.messages:
		if !ok {
			return nil, errspkg.ErrQueueClosed
		}
		batch = append(batch, fromWatermill(msg))
	}

	for len(batch) < maxMessages {
		select {
		case msg, ok := <-q.messages:
			if !ok {
				return batch, nil
			}
			batch = append(batch, fromWatermill(msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *WatermillQueue) Ack(ctx context.Context, msg *Message) error {
	wm, err := q.handle(msg)
	if err != nil {
		return err
	}
	if !wm.Ack() {
		return fmt.Errorf("message %s was already released", msg.ID)
	}
	return nil
}

func (q *WatermillQueue) Release(ctx context.Context, msg *Message) error {
	wm, err := q.handle(msg)
	if err != nil {
		return err
	}
	if !wm.Nack() {
		return fmt.Errorf("message %s was already acknowledged", msg.ID)
	}
	return nil
}

// Close cancels the subscription and closes the subscriber.
func (q *WatermillQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.cancel()
		q.closeErr = q.sub.Close()
	})
	return q.closeErr
}

func (q *WatermillQueue) handle(msg *Message) (*message.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}
	wm, ok := msg.Handle.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("message %s was not received from topic %s", msg.ID, q.topic)
	}
	return wm, nil
}

func fromWatermill(msg *message.Message) *Message {
	metadata := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	return &Message{
		ID:       msg.UUID,
		Payload:  msg.Payload,
		Metadata: metadata,
		Handle:   msg,
	}
}

// FromWatermill assembles a Transport from a Watermill publisher and
// subscriber pair, polling topic. Both are closed if the queue cannot be
// opened.
func FromWatermill(pub message.Publisher, sub message.Subscriber, topic string, logger watermill.LoggerAdapter) (Transport, error) {
	q, err := NewWatermillQueue(sub, topic, logger)
	if err != nil {
		if sub != nil {
			_ = sub.Close()
		}
		if pub != nil {
			_ = pub.Close()
		}
		return Transport{}, err
	}
	return Transport{Queue: q, Publisher: pub}, nil
}
