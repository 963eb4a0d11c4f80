package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/serroba/postviews/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type mockSubscriber struct {
	msgChan      chan *message.Message
	subscribeErr error
	mu           sync.Mutex
	closed       bool
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{
		msgChan: make(chan *message.Message, 10),
	}
}

func (m *mockSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}

	return m.msgChan, nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.msgChan)
	}

	return nil
}

func okHandler(context.Context, *testEvent) error {
	return nil
}

func TestConsumer_Start(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		consumer := messaging.NewConsumer(newMockSubscriber(), "test.topic", okHandler, zap.NewNop())

		require.NoError(t, consumer.Start(context.Background()))
		assert.Equal(t, "test.topic", consumer.Topic())

		require.NoError(t, consumer.Shutdown())
	})

	t.Run("subscribe failure leaves a consumer that shuts down", func(t *testing.T) {
		sub := &mockSubscriber{subscribeErr: errors.New("subscribe error")}
		consumer := messaging.NewConsumer(sub, "test.topic", okHandler, zap.NewNop())

		assert.Error(t, consumer.Start(context.Background()))
		assert.NoError(t, consumer.Shutdown())
	})
}

func TestConsumer_Handle(t *testing.T) {
	deliver := func(t *testing.T, handler messaging.Handler[testEvent], payload []byte) (acked bool) {
		t.Helper()

		sub := newMockSubscriber()
		consumer := messaging.NewConsumer(sub, "test.topic", handler, zap.NewNop())
		require.NoError(t, consumer.Start(context.Background()))

		defer func() { _ = consumer.Shutdown() }()

		msg := message.NewMessage(uuid.NewString(), payload)
		sub.msgChan <- msg

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			return false
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for ack or nack")
		}

		return false
	}

	t.Run("acks on successful handling", func(t *testing.T) {
		var received *testEvent

		payload, _ := json.Marshal(testEvent{ID: "123", Name: "test"})

		acked := deliver(t, func(_ context.Context, e *testEvent) error {
			received = e

			return nil
		}, payload)

		assert.True(t, acked)
		require.NotNil(t, received)
		assert.Equal(t, "123", received.ID)
	})

	t.Run("acks undecodable messages so they are not redelivered", func(t *testing.T) {
		called := false

		acked := deliver(t, func(context.Context, *testEvent) error {
			called = true

			return nil
		}, []byte("invalid json"))

		assert.True(t, acked)
		assert.False(t, called)
	})

	t.Run("nacks on handler error", func(t *testing.T) {
		payload, _ := json.Marshal(testEvent{ID: "123"})

		acked := deliver(t, func(context.Context, *testEvent) error {
			return errors.New("handler error")
		}, payload)

		assert.False(t, acked)
	})
}

func TestPublishConsume_RoundTripOverGoChannel(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, messaging.NewZapLogger(zap.NewNop()))
	defer pubsub.Close()

	received := make(chan testEvent, 1)

	consumer := messaging.NewConsumer(pubsub, "test.topic", func(_ context.Context, e *testEvent) error {
		received <- *e

		return nil
	}, zap.NewNop())

	require.NoError(t, consumer.Start(context.Background()))

	defer func() { _ = consumer.Shutdown() }()

	publish := messaging.NewPublishFunc[testEvent](pubsub, "test.topic")
	require.NoError(t, publish(context.Background(), &testEvent{ID: "abc", Name: "views"}))

	select {
	case e := <-received:
		assert.Equal(t, testEvent{ID: "abc", Name: "views"}, e)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
