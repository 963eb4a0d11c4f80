package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataEventType names the event type on every published message.
const MetadataEventType = "event_type"

// Publish publishes a typed event.
type Publish[T any] func(ctx context.Context, event *T) error

// NewPublishFunc creates a typed publish function for a specific topic.
func NewPublishFunc[T any](publisher message.Publisher, topic string) Publish[T] {
	return func(ctx context.Context, event *T) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", topic, err)
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(MetadataEventType, topic)
		msg.SetContext(ctx)

		return publisher.Publish(topic, msg)
	}
}

// PublisherGroup owns the publisher shared by every Publish function.
type PublisherGroup struct {
	publisher message.Publisher
}

// NewPublisherGroup creates a new publisher group.
func NewPublisherGroup(publisher message.Publisher) *PublisherGroup {
	return &PublisherGroup{publisher: publisher}
}

// Publisher returns the underlying message publisher.
func (g *PublisherGroup) Publisher() message.Publisher {
	return g.publisher
}

// Shutdown closes the underlying publisher.
func (g *PublisherGroup) Shutdown() error {
	return g.publisher.Close()
}
