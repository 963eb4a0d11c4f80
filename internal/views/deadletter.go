package views

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/serroba/postviews/internal/metrics"
	"go.uber.org/zap"
)

// DeadLetter describes a chunk whose flush exhausted its retries.
type DeadLetter struct {
	CycleID  string
	PostIDs  []PostID
	Attempts int
	Cause    error
	At       time.Time
}

// DeadLetterNotifier is told about every recorded dead letter.
type DeadLetterNotifier func(ctx context.Context, dl DeadLetter) error

// DeadLetterHandler parks failed post identifiers in the dead-letter set and
// lets operators inspect and replay them. Counters are never touched, so the
// pending delta is kept for replay.
type DeadLetterHandler struct {
	counters CounterStore
	keys     Keys
	notify   DeadLetterNotifier
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDeadLetterHandler creates a new dead-letter handler. notify may be nil.
func NewDeadLetterHandler(
	counters CounterStore,
	keys Keys,
	notify DeadLetterNotifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DeadLetterHandler {
	return &DeadLetterHandler{
		counters: counters,
		keys:     keys,
		notify:   notify,
		timeout:  5 * time.Second,
		metrics:  m,
		logger:   logger,
	}
}

// Recover moves the chunk's post identifiers from the pending registry to the
// dead-letter set. It runs even if ctx was canceled during the chunk.
func (h *DeadLetterHandler) Recover(ctx context.Context, dl DeadLetter) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	members := make([]string, len(dl.PostIDs))
	for i, id := range dl.PostIDs {
		members[i] = id.String()
	}

	if err := h.counters.MoveMembers(ctx, h.keys.Pending(), h.keys.DeadLetter(), members...); err != nil {
		h.logger.Error("failed to record dead letter",
			zap.String("cycle_id", dl.CycleID),
			zap.Strings("post_ids", members),
			zap.Error(err),
		)

		return err
	}

	h.metrics.DeadLettered.Add(float64(len(members)))

	h.logger.Error("chunk dead-lettered",
		zap.String("cycle_id", dl.CycleID),
		zap.Strings("post_ids", members),
		zap.Int("attempts", dl.Attempts),
		zap.Error(dl.Cause),
	)

	if h.notify != nil {
		if err := h.notify(ctx, dl); err != nil {
			h.logger.Warn("failed to publish dead letter",
				zap.String("cycle_id", dl.CycleID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// List returns the dead-lettered post identifiers in ascending order.
func (h *DeadLetterHandler) List(ctx context.Context) ([]PostID, error) {
	var ids []PostID

	err := h.counters.ScanSet(ctx, h.keys.DeadLetter(), 500, func(members []string) error {
		for _, m := range members {
			id, err := ParsePostID(m)
			if err != nil {
				h.logger.Warn("ignoring malformed dead letter", zap.String("member", m))

				continue
			}

			ids = append(ids, id)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(ids)

	return slices.Compact(ids), nil
}

// Replay moves post identifiers back to the pending registry so the next
// cycle retries them. With no ids every dead letter is replayed. It returns
// the number of identifiers moved.
func (h *DeadLetterHandler) Replay(ctx context.Context, ids ...PostID) (int, error) {
	if len(ids) == 0 {
		all, err := h.List(ctx)
		if err != nil {
			return 0, err
		}

		ids = all
	}

	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]string, 0, len(ids))

	for _, id := range ids {
		if id <= 0 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidPostID, id)
		}

		members = append(members, id.String())
	}

	if err := h.counters.MoveMembers(ctx, h.keys.DeadLetter(), h.keys.Pending(), members...); err != nil {
		return 0, err
	}

	h.logger.Info("dead letters replayed", zap.Strings("post_ids", members))

	return len(members), nil
}
