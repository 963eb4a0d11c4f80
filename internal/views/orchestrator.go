package views

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/serroba/postviews/internal/metrics"
	"github.com/serroba/postviews/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChunkProcessor flushes a single chunk.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, chunk Chunk) ChunkResult
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	CycleID      string        `json:"cycleId"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Pending      int           `json:"pending"`
	Chunks       int           `json:"chunks"`
	FlushedPosts int           `json:"flushedPosts"`
	FlushedViews int64         `json:"flushedViews"`
	FailedChunks int           `json:"failedChunks"`
	DeadLettered int           `json:"deadLettered"`
	Dropped      int           `json:"dropped"`
}

// Orchestrator runs sync cycles: it snapshots the pending registry, splits it
// into chunks and hands the chunks to a processor with bounded concurrency.
type Orchestrator struct {
	counters    CounterStore
	keys        Keys
	processor   ChunkProcessor
	chunkSize   int
	concurrency int
	scanBatch   int64
	newCycleID  func() string
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu   sync.Mutex
	last *CycleReport
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithChunkSize sets the number of post identifiers per chunk.
func WithChunkSize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithConcurrency sets how many chunks are processed at once.
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithCycleIDs overrides the cycle identifier generator.
func WithCycleIDs(gen func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newCycleID = gen
	}
}

// NewOrchestrator creates a new sync orchestrator.
func NewOrchestrator(
	counters CounterStore,
	keys Keys,
	processor ChunkProcessor,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	gen, _ := nanoid.Standard(12)

	o := &Orchestrator{
		counters:    counters,
		keys:        keys,
		processor:   processor,
		chunkSize:   100,
		concurrency: 1,
		scanBatch:   1000,
		newCycleID:  gen,
		metrics:     m,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// RunSyncCycle flushes every post pending at the start of the cycle. Chunk
// failures are contained and reported; an error is returned only when the
// pending registry cannot be read.
func (o *Orchestrator) RunSyncCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		CycleID:   o.newCycleID(),
		StartedAt: time.Now(),
	}
	log := o.logger.With(zap.String("cycle_id", report.CycleID))

	o.metrics.CyclesTotal.Inc()

	ids, dropped, err := o.snapshot(ctx, log)
	if err != nil {
		log.Error("failed to read pending posts", zap.Error(err))

		return report, fmt.Errorf("read pending posts: %w", err)
	}

	report.Pending = len(ids)
	report.Dropped = dropped
	o.metrics.PendingPosts.Set(float64(len(ids)))

	if len(ids) == 0 {
		report.Duration = time.Since(report.StartedAt)
		o.remember(report)
		log.Debug("sync cycle found nothing pending")

		return report, nil
	}

	chunks := partition(ids, o.chunkSize)
	report.Chunks = len(chunks)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	g.SetLimit(o.concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			res := o.processor.ProcessChunk(ctx, Chunk{
				CycleID: report.CycleID,
				Index:   i,
				PostIDs: chunk,
			})

			mu.Lock()
			defer mu.Unlock()

			report.FlushedPosts += res.FlushedPosts
			report.FlushedViews += res.FlushedViews
			report.DeadLettered += res.DeadLettered

			if res.Status != retry.Success {
				report.FailedChunks++
			}

			return nil
		})
	}

	_ = g.Wait()

	report.Duration = time.Since(report.StartedAt)
	o.metrics.CycleDuration.Observe(report.Duration.Seconds())
	o.remember(report)

	log.Info("sync cycle completed",
		zap.Int("pending", report.Pending),
		zap.Int("chunks", report.Chunks),
		zap.Int("flushed_posts", report.FlushedPosts),
		zap.Int64("flushed_views", report.FlushedViews),
		zap.Int("failed_chunks", report.FailedChunks),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// LastReport returns the report of the most recent cycle, if any ran.
func (o *Orchestrator) LastReport() (CycleReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.last == nil {
		return CycleReport{}, false
	}

	return *o.last, true
}

func (o *Orchestrator) remember(r CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.last = &r
}

// snapshot reads the pending registry once, removing members that are not
// valid post identifiers.
func (o *Orchestrator) snapshot(ctx context.Context, log *zap.Logger) ([]PostID, int, error) {
	seen := make(map[PostID]struct{})

	var malformed []string

	err := o.counters.ScanSet(ctx, o.keys.Pending(), o.scanBatch, func(members []string) error {
		for _, m := range members {
			id, err := ParsePostID(m)
			if err != nil {
				malformed = append(malformed, m)

				continue
			}

			seen[id] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if len(malformed) > 0 {
		log.Warn("dropping malformed pending members", zap.Strings("members", malformed))

		if err := o.counters.RemoveFromSet(ctx, o.keys.Pending(), malformed...); err != nil {
			log.Warn("failed to remove malformed pending members", zap.Error(err))
		}

		o.metrics.DroppedMembers.Add(float64(len(malformed)))
	}

	ids := make([]PostID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids, len(malformed), nil
}

func partition(ids []PostID, size int) [][]PostID {
	chunks := make([][]PostID, 0, (len(ids)+size-1)/size)

	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}

	return chunks
}
