package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/serroba/postviews/internal/views"
)

// MemoryCounterStore is an in-memory implementation of views.CounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	now      func() time.Time
	markers  map[string]time.Time
	tokens   map[string]time.Time
	counters map[string]int64
	sets     map[string]map[string]struct{}
}

// NewMemoryCounterStore creates a new in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		now:      time.Now,
		markers:  make(map[string]time.Time),
		tokens:   make(map[string]time.Time),
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
	}
}

// SetClock replaces the time source used for marker expiry.
func (m *MemoryCounterStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = now
}

func (m *MemoryCounterStore) SetIfAbsent(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.markers[key]; ok && now.Before(expires) {
		return false, nil
	}

	m.markers[key] = now.Add(ttl)

	return true, nil
}

func (m *MemoryCounterStore) IncrementAndTrack(_ context.Context, counterKey, setKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[counterKey]++
	m.set(setKey)[member] = struct{}{}

	return nil
}

func (m *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counters[key], nil
}

func (m *MemoryCounterStore) ScanSet(
	_ context.Context, setKey string, batch int64, fn func(members []string) error,
) error {
	members := m.Members(setKey)

	if batch <= 0 {
		batch = int64(len(members))
	}

	for start := 0; start < len(members); start += int(batch) {
		end := min(start+int(batch), len(members))
		if err := fn(members[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (m *MemoryCounterStore) RemoveFromSet(_ context.Context, setKey string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range members {
		delete(m.sets[setKey], member)
	}

	return nil
}

func (m *MemoryCounterStore) Settle(_ context.Context, setKey string, entries ...views.Settlement) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	results := make([]int64, len(entries))

	for i, e := range entries {
		apply := e.Amount > 0
		if apply && e.TokenKey != "" {
			if expires, ok := m.tokens[e.TokenKey]; ok && now.Before(expires) {
				apply = false
			} else {
				m.tokens[e.TokenKey] = now.Add(SettleTokenTTL)
			}
		}

		if apply {
			m.counters[e.CounterKey] -= e.Amount
		}

		remaining := m.counters[e.CounterKey]
		if remaining == 0 {
			delete(m.sets[setKey], e.Member)
			delete(m.counters, e.CounterKey)
		}

		results[i] = remaining
	}

	return results, nil
}

func (m *MemoryCounterStore) MoveMembers(_ context.Context, fromKey, toKey string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range members {
		delete(m.sets[fromKey], member)
		m.set(toKey)[member] = struct{}{}
	}

	return nil
}

// Members returns a sorted snapshot of a set.
func (m *MemoryCounterStore) Members(setKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[setKey]))
	for member := range m.sets[setKey] {
		members = append(members, member)
	}

	slices.Sort(members)

	return members
}

// AddToSet adds members to a set directly, bypassing the counters.
func (m *MemoryCounterStore) AddToSet(setKey string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range members {
		m.set(setKey)[member] = struct{}{}
	}
}

// Counter returns the raw value of a counter key.
func (m *MemoryCounterStore) Counter(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counters[key]
}

func (m *MemoryCounterStore) set(key string) map[string]struct{} {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}

	return s
}

// MemoryPostStore is an in-memory implementation of views.PostStore and views.PostReader.
type MemoryPostStore struct {
	mu     sync.Mutex
	totals map[views.PostID]int64
}

// NewMemoryPostStore creates a store holding the given posts with zero views.
func NewMemoryPostStore(ids ...views.PostID) *MemoryPostStore {
	s := &MemoryPostStore{totals: make(map[views.PostID]int64)}
	for _, id := range ids {
		s.totals[id] = 0
	}

	return s
}

// Create adds a post with zero views if it does not exist.
func (s *MemoryPostStore) Create(id views.PostID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.totals[id]; !ok {
		s.totals[id] = 0
	}
}

func (s *MemoryPostStore) AddViews(_ context.Context, id views.PostID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.totals[id]; !ok {
		return views.ErrPostNotFound
	}

	s.totals[id] += delta

	return nil
}

func (s *MemoryPostStore) ViewCount(_ context.Context, id views.PostID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, ok := s.totals[id]
	if !ok {
		return 0, views.ErrPostNotFound
	}

	return total, nil
}
