package views_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/serroba/postviews/internal/retry"
	"github.com/serroba/postviews/internal/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu     sync.Mutex
	chunks []views.Chunk
}

func (r *recordingProcessor) ProcessChunk(_ context.Context, chunk views.Chunk) views.ChunkResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = append(r.chunks, chunk)

	return views.ChunkResult{Status: retry.Success, FlushedPosts: len(chunk.PostIDs)}
}

func (r *recordingProcessor) sizes() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sizes := make(map[int]int)
	for _, c := range r.chunks {
		sizes[c.Index] = len(c.PostIDs)
	}

	return sizes
}

func TestOrchestrator_RunSyncCycle(t *testing.T) {
	ctx := context.Background()
	keys := views.NewKeys("")

	t.Run("empty registry is a no-op", func(t *testing.T) {
		counters := newFaultyCounterStore()
		proc := &recordingProcessor{}
		o := views.NewOrchestrator(counters, keys, proc, newMetrics(), zap.NewNop())

		report, err := o.RunSyncCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, report.Pending)
		assert.Equal(t, 0, report.Chunks)
		assert.Empty(t, proc.chunks)
		assert.NotEmpty(t, report.CycleID)
	})

	t.Run("partitions pending posts into chunks", func(t *testing.T) {
		counters := newFaultyCounterStore()
		for i := 1; i <= 250; i++ {
			counters.AddToSet(keys.Pending(), strconv.Itoa(i))
		}

		proc := &recordingProcessor{}
		o := views.NewOrchestrator(counters, keys, proc, newMetrics(), zap.NewNop(),
			views.WithChunkSize(100),
			views.WithConcurrency(3),
		)

		report, err := o.RunSyncCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 250, report.Pending)
		assert.Equal(t, 3, report.Chunks)
		assert.Equal(t, 250, report.FlushedPosts)
		assert.Equal(t, map[int]int{0: 100, 1: 100, 2: 50}, proc.sizes())
	})

	t.Run("every pending post lands in exactly one chunk", func(t *testing.T) {
		counters := newFaultyCounterStore()
		for i := 1; i <= 37; i++ {
			counters.AddToSet(keys.Pending(), strconv.Itoa(i))
		}

		proc := &recordingProcessor{}
		o := views.NewOrchestrator(counters, keys, proc, newMetrics(), zap.NewNop(), views.WithChunkSize(5))

		_, err := o.RunSyncCycle(ctx)
		require.NoError(t, err)

		seen := make(map[views.PostID]int)
		for _, c := range proc.chunks {
			assert.LessOrEqual(t, len(c.PostIDs), 5)

			for _, id := range c.PostIDs {
				seen[id]++
			}
		}

		assert.Len(t, seen, 37)

		for id, n := range seen {
			assert.Equal(t, 1, n, "post %d", id)
		}
	})

	t.Run("drops malformed members", func(t *testing.T) {
		counters := newFaultyCounterStore()
		counters.AddToSet(keys.Pending(), "1", "abc", "-3")

		proc := &recordingProcessor{}
		o := views.NewOrchestrator(counters, keys, proc, newMetrics(), zap.NewNop())

		report, err := o.RunSyncCycle(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Pending)
		assert.Equal(t, 2, report.Dropped)
		assert.Equal(t, []string{"1"}, counters.Members(keys.Pending()))
		require.Len(t, proc.chunks, 1)
		assert.Equal(t, []views.PostID{1}, proc.chunks[0].PostIDs)
	})

	t.Run("registry failure aborts the cycle", func(t *testing.T) {
		counters := newFaultyCounterStore()
		counters.scanErr = errors.New("redis down")

		proc := &recordingProcessor{}
		o := views.NewOrchestrator(counters, keys, proc, newMetrics(), zap.NewNop())

		_, err := o.RunSyncCycle(ctx)

		require.Error(t, err)
		assert.Empty(t, proc.chunks)
	})

	t.Run("remembers the last report", func(t *testing.T) {
		counters := newFaultyCounterStore()
		o := views.NewOrchestrator(counters, keys, &recordingProcessor{}, newMetrics(), zap.NewNop(),
			views.WithCycleIDs(func() string { return "cycle-1" }),
		)

		_, ok := o.LastReport()
		assert.False(t, ok)

		_, err := o.RunSyncCycle(ctx)
		require.NoError(t, err)

		last, ok := o.LastReport()
		assert.True(t, ok)
		assert.Equal(t, "cycle-1", last.CycleID)
	})
}

func TestOrchestrator_ChunkIndependence(t *testing.T) {
	p := newPipeline(t, 2, 1, 2, 3, 4)
	for id := views.PostID(1); id <= 4; id++ {
		p.seed(id, int(id))
	}

	p.posts.failFor(1, -1)

	report, err := p.orchestrator.RunSyncCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 1, report.FailedChunks)
	assert.Equal(t, 2, report.DeadLettered)
	assert.Equal(t, int64(7), report.FlushedViews)

	assert.Equal(t, int64(3), p.durable(3))
	assert.Equal(t, int64(4), p.durable(4))
	assert.Equal(t, []string{"1", "2"}, p.counters.Members(p.keys.DeadLetter()))
	assert.Equal(t, int64(1), p.counters.Counter(p.keys.Count(1)))
	assert.Equal(t, int64(2), p.counters.Counter(p.keys.Count(2)))
	assert.Empty(t, p.counters.Members(p.keys.Pending()))
}
