package views_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/serroba/postviews/internal/metrics"
	"github.com/serroba/postviews/internal/retry"
	"github.com/serroba/postviews/internal/store"
	"github.com/serroba/postviews/internal/views"
	"go.uber.org/zap"
)

var errWrite = errors.New("write failed")

func newMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Jitter:      0.1,
		MaxDelay:    5 * time.Millisecond,
	}
}

// flakyPostStore fails AddViews for configured posts. A negative budget fails forever.
type flakyPostStore struct {
	*store.MemoryPostStore

	mu       sync.Mutex
	failures map[views.PostID]int
	calls    map[views.PostID]int
	onWrite  func(id views.PostID)
}

func newFlakyPostStore(ids ...views.PostID) *flakyPostStore {
	return &flakyPostStore{
		MemoryPostStore: store.NewMemoryPostStore(ids...),
		failures:        make(map[views.PostID]int),
		calls:           make(map[views.PostID]int),
	}
}

func (f *flakyPostStore) failFor(id views.PostID, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[id] = times
}

func (f *flakyPostStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.failures)
}

func (f *flakyPostStore) callsFor(id views.PostID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

func (f *flakyPostStore) AddViews(ctx context.Context, id views.PostID, delta int64) error {
	f.mu.Lock()
	f.calls[id]++

	n, failing := f.failures[id]
	if failing && n != 0 {
		if n > 0 {
			f.failures[id] = n - 1
		}

		f.mu.Unlock()

		return errWrite
	}

	hook := f.onWrite
	f.mu.Unlock()

	if err := f.MemoryPostStore.AddViews(ctx, id, delta); err != nil {
		return err
	}

	if hook != nil {
		hook(id)
	}

	return nil
}

// faultyCounterStore injects failures into a MemoryCounterStore.
type faultyCounterStore struct {
	*store.MemoryCounterStore

	mu          sync.Mutex
	markerErr   error
	incrErr     error
	scanErr     error
	settleFails int
	// settleLost applies the settlement but reports a failure, as when the
	// reply is lost on the way back.
	settleLost int
}

func newFaultyCounterStore() *faultyCounterStore {
	return &faultyCounterStore{MemoryCounterStore: store.NewMemoryCounterStore()}
}

func (f *faultyCounterStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.markerErr != nil {
		return false, f.markerErr
	}

	return f.MemoryCounterStore.SetIfAbsent(ctx, key, value, ttl)
}

func (f *faultyCounterStore) IncrementAndTrack(ctx context.Context, counterKey, setKey, member string) error {
	if f.incrErr != nil {
		return f.incrErr
	}

	return f.MemoryCounterStore.IncrementAndTrack(ctx, counterKey, setKey, member)
}

func (f *faultyCounterStore) ScanSet(
	ctx context.Context, setKey string, batch int64, fn func(members []string) error,
) error {
	if f.scanErr != nil {
		return f.scanErr
	}

	return f.MemoryCounterStore.ScanSet(ctx, setKey, batch, fn)
}

func (f *faultyCounterStore) Settle(ctx context.Context, setKey string, entries ...views.Settlement) ([]int64, error) {
	f.mu.Lock()
	if f.settleFails > 0 {
		f.settleFails--
		f.mu.Unlock()

		return nil, errors.New("settle failed")
	}

	lost := f.settleLost > 0
	if lost {
		f.settleLost--
	}
	f.mu.Unlock()

	remaining, err := f.MemoryCounterStore.Settle(ctx, setKey, entries...)
	if lost {
		return nil, errors.New("connection reset")
	}

	return remaining, err
}

// pipeline wires the full pipeline over in-memory stores.
type pipeline struct {
	keys         views.Keys
	counters     *store.MemoryCounterStore
	posts        *flakyPostStore
	metrics      *metrics.Metrics
	recorder     *views.Recorder
	deadLetters  *views.DeadLetterHandler
	worker       *views.Worker
	orchestrator *views.Orchestrator
}

func newPipeline(t *testing.T, chunkSize int, posts ...views.PostID) *pipeline {
	t.Helper()

	p := &pipeline{
		keys:     views.NewKeys(""),
		counters: store.NewMemoryCounterStore(),
		posts:    newFlakyPostStore(posts...),
		metrics:  newMetrics(),
	}

	logger := zap.NewNop()

	p.recorder = views.NewRecorder(p.counters, p.keys, views.RollingWindow{Period: time.Hour}, p.metrics, logger)
	p.deadLetters = views.NewDeadLetterHandler(p.counters, p.keys, nil, p.metrics, logger)
	p.worker = views.NewWorker(p.counters, p.posts, p.keys, fastPolicy(), time.Second, p.deadLetters, p.metrics, logger)
	p.orchestrator = views.NewOrchestrator(p.counters, p.keys, p.worker, p.metrics, logger,
		views.WithChunkSize(chunkSize),
		views.WithConcurrency(4),
	)

	return p
}

func (p *pipeline) seed(id views.PostID, n int) {
	for range n {
		_ = p.counters.IncrementAndTrack(context.Background(), p.keys.Count(id), p.keys.Pending(), id.String())
	}
}

func (p *pipeline) durable(id views.PostID) int64 {
	n, _ := p.posts.ViewCount(context.Background(), id)

	return n
}
