package views

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serroba/postviews/internal/metrics"
	"github.com/serroba/postviews/internal/retry"
	"go.uber.org/zap"
)

// Chunk is a slice of pending post identifiers processed as one unit.
type Chunk struct {
	CycleID string
	Index   int
	PostIDs []PostID
}

// ChunkResult summarizes the processing of one chunk.
type ChunkResult struct {
	Status       retry.Status
	Attempts     int
	FlushedPosts int
	FlushedViews int64
	DeadLettered int
	Err          error
}

// Worker flushes the deltas of one chunk into the durable store under the
// retry policy and dead-letters the chunk when the policy is exhausted.
type Worker struct {
	counters     CounterStore
	posts        PostStore
	keys         Keys
	policy       retry.Policy
	writeTimeout time.Duration
	deadLetters  *DeadLetterHandler
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewWorker creates a new chunk worker. writeTimeout bounds each durable
// write; zero disables the bound.
func NewWorker(
	counters CounterStore,
	posts PostStore,
	keys Keys,
	policy retry.Policy,
	writeTimeout time.Duration,
	deadLetters *DeadLetterHandler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		counters:     counters,
		posts:        posts,
		keys:         keys,
		policy:       policy,
		writeTimeout: writeTimeout,
		deadLetters:  deadLetters,
		metrics:      m,
		logger:       logger,
	}
}

// ProcessChunk flushes every post of the chunk. A failed attempt is retried as
// a whole; posts settled by an earlier attempt read a zero delta and are not
// applied twice. Each settlement carries a token naming its flush, so a
// settlement whose reply was lost is not decremented again on retry.
func (w *Worker) ProcessChunk(ctx context.Context, chunk Chunk) ChunkResult {
	log := w.logger.With(
		zap.String("cycle_id", chunk.CycleID),
		zap.Int("chunk", chunk.Index),
		zap.Int("size", len(chunk.PostIDs)),
	)

	var (
		res     ChunkResult
		attempt int
	)

	// Persisted but not yet settled; the next attempt settles these first.
	unsettled := make(map[PostID]flushed)

	out := w.policy.Do(ctx, func(ctx context.Context) error {
		attempt++

		return w.flush(ctx, chunk, attempt, unsettled, &res)
	}, func(failed int, err error, next time.Duration) {
		w.metrics.ChunkAttempts.WithLabelValues(metrics.OutcomeRetry).Inc()
		log.Warn("chunk attempt failed, retrying",
			zap.Int("attempt", failed),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})

	res.Status = out.Status
	res.Attempts = out.Attempts
	res.Err = out.Err

	if len(unsettled) > 0 {
		log.Error("views persisted but not settled",
			zap.Int64s("post_ids", postIDsOf(unsettled)),
		)
	}

	switch out.Status {
	case retry.Success:
		w.metrics.ChunkAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
	case retry.Exhausted:
		w.metrics.ChunkAttempts.WithLabelValues(metrics.OutcomeExhausted).Inc()

		dl := DeadLetter{
			CycleID:  chunk.CycleID,
			PostIDs:  chunk.PostIDs,
			Attempts: out.Attempts,
			Cause:    out.Err,
			At:       time.Now(),
		}
		if err := w.deadLetters.Recover(ctx, dl); err == nil {
			res.DeadLettered = len(chunk.PostIDs)
		}
	case retry.Canceled:
		log.Warn("chunk interrupted, posts stay pending", zap.Error(out.Err))
	}

	return res
}

// flushed is a delta made durable whose settlement is still outstanding.
type flushed struct {
	amount int64
	token  string
}

func (w *Worker) flush(ctx context.Context, chunk Chunk, attempt int, unsettled map[PostID]flushed, res *ChunkResult) error {
	for _, id := range chunk.PostIDs {
		f, pending := unsettled[id]
		if !pending {
			count, err := w.counters.Get(ctx, w.keys.Count(id))
			if err != nil {
				return fmt.Errorf("read counter of post %d: %w", id, err)
			}

			if count < 0 {
				w.metrics.NegativeCounters.Inc()
				w.logger.Error("negative view counter, leaving post pending",
					zap.String("cycle_id", chunk.CycleID),
					zap.Int64("post_id", int64(id)),
					zap.Int64("count", count),
				)

				continue
			}

			if count > 0 {
				if err := w.persist(ctx, id, count); err != nil {
					if !errors.Is(err, ErrPostNotFound) {
						return fmt.Errorf("persist %d views of post %d: %w", count, id, err)
					}

					w.logger.Warn("discarding views of missing post",
						zap.Int64("post_id", int64(id)),
						zap.Int64("views", count),
					)
				} else {
					res.FlushedPosts++
					res.FlushedViews += count
					w.metrics.FlushedPosts.Inc()
					w.metrics.FlushedViews.Add(float64(count))
				}

				f = flushed{amount: count, token: w.keys.SettleToken(chunk.CycleID, id, attempt)}
				unsettled[id] = f
			}
		}

		_, err := w.counters.Settle(ctx, w.keys.Pending(), Settlement{
			CounterKey: w.keys.Count(id),
			TokenKey:   f.token,
			Member:     id.String(),
			Amount:     f.amount,
		})
		if err != nil {
			return fmt.Errorf("settle post %d: %w", id, err)
		}

		delete(unsettled, id)
	}

	return nil
}

func (w *Worker) persist(ctx context.Context, id PostID, delta int64) error {
	if w.writeTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, w.writeTimeout)
		defer cancel()
	}

	return w.posts.AddViews(ctx, id, delta)
}

func postIDsOf(m map[PostID]flushed) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, int64(id))
	}

	return ids
}
