// Package messaging wraps watermill publishers and subscribers with typed,
// JSON-encoded events.
package messaging

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Handler processes a single event.
type Handler[T any] func(ctx context.Context, event *T) error

// Consumer subscribes to a topic and processes messages with a typed handler.
// Messages that cannot be decoded are acked and logged, so they are not
// redelivered forever; handler failures are nacked for redelivery.
type Consumer[T any] struct {
	subscriber message.Subscriber
	topic      string
	handler    Handler[T]
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new consumer for one event type.
func NewConsumer[T any](
	subscriber message.Subscriber,
	topic string,
	handler Handler[T],
	logger *zap.Logger,
) *Consumer[T] {
	return &Consumer[T]{
		subscriber: subscriber,
		topic:      topic,
		handler:    handler,
		logger:     logger.With(zap.String("topic", topic)),
		done:       make(chan struct{}),
	}
}

// Topic returns the topic this consumer subscribes to.
func (c *Consumer[T]) Topic() string {
	return c.topic
}

// Start subscribes and processes messages in the background.
func (c *Consumer[T]) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	msgs, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		c.cancel()
		close(c.done)

		return err
	}

	go c.consume(ctx, msgs)

	return nil
}

func (c *Consumer[T]) consume(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer[T]) handle(ctx context.Context, msg *message.Message) {
	log := c.logger.With(zap.String("message_id", msg.UUID))

	var event T
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Error("discarding undecodable message", zap.Error(err))
		msg.Ack()

		return
	}

	if err := c.handler(ctx, &event); err != nil {
		log.Warn("failed to handle event", zap.Error(err))
		msg.Nack()

		return
	}

	msg.Ack()
	log.Debug("processed event")
}

// Shutdown stops the consumer and waits for the in-flight message.
func (c *Consumer[T]) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	<-c.done

	return nil
}
