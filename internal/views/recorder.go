package views

import (
	"context"
	"strconv"
	"time"

	"github.com/serroba/postviews/internal/metrics"
	"go.uber.org/zap"
)

// Recorder counts view events into the cache, at most once per viewer, post
// and window.
type Recorder struct {
	counters CounterStore
	keys     Keys
	window   WindowPolicy
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source used to compute marker lifetimes.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithCacheTimeout bounds every cache round trip of a single RecordView call.
func WithCacheTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.timeout = d
	}
}

// NewRecorder creates a new view recorder.
func NewRecorder(
	counters CounterStore,
	keys Keys,
	window WindowPolicy,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...RecorderOption,
) *Recorder {
	r := &Recorder{
		counters: counters,
		keys:     keys,
		window:   window,
		timeout:  250 * time.Millisecond,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RecordView registers a view of postID by viewer. Cache failures are logged
// and reported as Dropped; they never reach the caller as errors.
func (r *Recorder) RecordView(ctx context.Context, postID PostID, viewer ViewerKey) RecordResult {
	result := r.record(ctx, postID, viewer)
	r.metrics.ViewsRecorded.WithLabelValues(result.String()).Inc()

	return result
}

func (r *Recorder) record(ctx context.Context, postID PostID, viewer ViewerKey) RecordResult {
	if postID <= 0 || viewer == "" {
		r.logger.Warn("discarding view with invalid identity",
			zap.Int64("post_id", int64(postID)),
			zap.String("viewer", string(viewer)),
		)

		return Dropped
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	now := r.now()

	first, err := r.counters.SetIfAbsent(ctx, r.keys.Marker(postID, viewer),
		strconv.FormatInt(now.UnixMilli(), 10), r.window.TTL(now))
	if err != nil {
		r.logger.Warn("failed to set view marker",
			zap.Int64("post_id", int64(postID)),
			zap.Error(err),
		)

		return Dropped
	}

	if !first {
		return Duplicate
	}

	if err := r.counters.IncrementAndTrack(ctx, r.keys.Count(postID), r.keys.Pending(), postID.String()); err != nil {
		r.logger.Warn("failed to increment view counter",
			zap.Int64("post_id", int64(postID)),
			zap.Error(err),
		)

		return Dropped
	}

	return Counted
}
