package messaging_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/postviews/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	messages   []*message.Message
	topic      string
	publishErr error
	closeErr   error
}

func (m *mockPublisher) Publish(topic string, msgs ...*message.Message) error {
	if m.publishErr != nil {
		return m.publishErr
	}

	m.topic = topic
	m.messages = append(m.messages, msgs...)

	return nil
}

func (m *mockPublisher) Close() error {
	return m.closeErr
}

func TestNewPublishFunc(t *testing.T) {
	t.Run("publishes json with event type metadata", func(t *testing.T) {
		mock := &mockPublisher{}
		publish := messaging.NewPublishFunc[testEvent](mock, "test.topic")

		err := publish(context.Background(), &testEvent{ID: "123", Name: "test"})

		require.NoError(t, err)
		assert.Equal(t, "test.topic", mock.topic)
		require.Len(t, mock.messages, 1)
		assert.Contains(t, string(mock.messages[0].Payload), `"id":"123"`)
		assert.Equal(t, "test.topic", mock.messages[0].Metadata.Get(messaging.MetadataEventType))
	})

	t.Run("returns error when publish fails", func(t *testing.T) {
		mock := &mockPublisher{publishErr: errors.New("publish error")}
		publish := messaging.NewPublishFunc[testEvent](mock, "test.topic")

		assert.Error(t, publish(context.Background(), &testEvent{ID: "123"}))
	})
}

func TestPublisherGroup(t *testing.T) {
	t.Run("returns underlying publisher", func(t *testing.T) {
		mock := &mockPublisher{}

		assert.Equal(t, mock, messaging.NewPublisherGroup(mock).Publisher())
	})

	t.Run("propagates close errors", func(t *testing.T) {
		mock := &mockPublisher{closeErr: errors.New("close error")}

		assert.Error(t, messaging.NewPublisherGroup(mock).Shutdown())
	})
}
