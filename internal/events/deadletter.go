// Package events defines the integration events emitted by the view pipeline.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/postviews/internal/messaging"
	"github.com/serroba/postviews/internal/views"
	"go.uber.org/zap"
)

// TopicDeadLettered carries one event per dead-lettered chunk.
const TopicDeadLettered = "views.dead_lettered"

// DeadLettered is emitted when a chunk exhausts its retries.
type DeadLettered struct {
	ID         string    `json:"id"`
	CycleID    string    `json:"cycleId"`
	PostIDs    []int64   `json:"postIds"`
	Attempts   int       `json:"attempts"`
	Cause      string    `json:"cause,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewDeadLettered builds the event for a dead letter.
func NewDeadLettered(dl views.DeadLetter) *DeadLettered {
	ids := make([]int64, len(dl.PostIDs))
	for i, id := range dl.PostIDs {
		ids[i] = int64(id)
	}

	event := &DeadLettered{
		ID:         uuid.NewString(),
		CycleID:    dl.CycleID,
		PostIDs:    ids,
		Attempts:   dl.Attempts,
		OccurredAt: dl.At.UTC(),
	}

	if dl.Cause != nil {
		event.Cause = dl.Cause.Error()
	}

	return event
}

// DeadLetterNotifier publishes every dead letter as a DeadLettered event.
func DeadLetterNotifier(publish messaging.Publish[DeadLettered]) views.DeadLetterNotifier {
	return func(ctx context.Context, dl views.DeadLetter) error {
		return publish(ctx, NewDeadLettered(dl))
	}
}

// LogDeadLettered returns a handler that records dead letters in the log,
// where alerting picks them up.
func LogDeadLettered(logger *zap.Logger) messaging.Handler[DeadLettered] {
	return func(_ context.Context, event *DeadLettered) error {
		logger.Error("view sync dead letter",
			zap.String("event_id", event.ID),
			zap.String("cycle_id", event.CycleID),
			zap.Int64s("post_ids", event.PostIDs),
			zap.Int("attempts", event.Attempts),
			zap.String("cause", event.Cause),
			zap.Time("occurred_at", event.OccurredAt),
		)

		return nil
	}
}
