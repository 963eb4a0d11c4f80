package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Runnable represents a component that can be started and shutdown.
type Runnable interface {
	Start(ctx context.Context) error
	Shutdown() error
}

// ConsumerGroup starts and stops a set of consumers sharing one subscriber.
type ConsumerGroup struct {
	consumers  []Runnable
	subscriber message.Subscriber
	logger     *zap.Logger
}

// NewConsumerGroup creates a new consumer group.
func NewConsumerGroup(subscriber message.Subscriber, logger *zap.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		subscriber: subscriber,
		logger:     logger,
	}
}

// Add registers a consumer to the group.
func (g *ConsumerGroup) Add(consumer Runnable) {
	g.consumers = append(g.consumers, consumer)
}

// Start starts every consumer. If one fails the ones already started are stopped.
func (g *ConsumerGroup) Start(ctx context.Context) error {
	for i, consumer := range g.consumers {
		if err := consumer.Start(ctx); err != nil {
			var rollback error
			for _, started := range g.consumers[:i] {
				rollback = errors.Join(rollback, started.Shutdown())
			}

			return errors.Join(fmt.Errorf("start consumer %d: %w", i, err), rollback)
		}
	}

	g.logger.Info("consumer group started", zap.Int("count", len(g.consumers)))

	return nil
}

// Shutdown stops every consumer, then closes the subscriber.
func (g *ConsumerGroup) Shutdown() error {
	g.logger.Info("shutting down consumer group")

	var errs error
	for _, consumer := range g.consumers {
		errs = errors.Join(errs, consumer.Shutdown())
	}

	return errors.Join(errs, g.subscriber.Close())
}
