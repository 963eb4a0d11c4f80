// Package metrics defines the Prometheus collectors of the view pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcomes used as the "result" label of ViewsRecorded.
const (
	ResultCounted   = "counted"
	ResultDuplicate = "duplicate"
	ResultDropped   = "dropped"
)

// Chunk attempt outcomes used as the "outcome" label of ChunkAttempts.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	ViewsRecorded    *prometheus.CounterVec
	CyclesTotal      prometheus.Counter
	CyclesSkipped    prometheus.Counter
	CycleDuration    prometheus.Histogram
	PendingPosts     prometheus.Gauge
	FlushedPosts     prometheus.Counter
	FlushedViews     prometheus.Counter
	ChunkAttempts    *prometheus.CounterVec
	DeadLettered     prometheus.Counter
	DroppedMembers   prometheus.Counter
	NegativeCounters prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ViewsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postviews_views_recorded_total",
			Help: "View events received, by outcome",
		}, []string{"result"}),
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_sync_cycles_total",
			Help: "Sync cycles started",
		}),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_sync_cycles_skipped_total",
			Help: "Sync triggers skipped because a cycle was already running",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "postviews_sync_cycle_duration_seconds",
			Help:    "Wall time of a sync cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		PendingPosts: f.NewGauge(prometheus.GaugeOpts{
			Name: "postviews_pending_posts",
			Help: "Posts found in the pending registry at the start of the last cycle",
		}),
		FlushedPosts: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_flushed_posts_total",
			Help: "Posts whose delta was written to the durable store",
		}),
		FlushedViews: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_flushed_views_total",
			Help: "Views written to the durable store",
		}),
		ChunkAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postviews_chunk_attempts_total",
			Help: "Chunk processing attempts, by outcome",
		}, []string{"outcome"}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_dead_lettered_posts_total",
			Help: "Post identifiers moved to the dead-letter set",
		}),
		DroppedMembers: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_dropped_pending_members_total",
			Help: "Malformed members removed from the pending registry",
		}),
		NegativeCounters: f.NewCounter(prometheus.CounterOpts{
			Name: "postviews_negative_counters_total",
			Help: "Pending posts skipped because their counter was below zero",
		}),
	}
}
