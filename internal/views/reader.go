package views

import "context"

// Counts is the view total of a post split by where it currently lives.
type Counts struct {
	PostID    PostID
	Persisted int64
	Pending   int64
}

// Total is the durable count plus the delta not yet flushed.
func (c Counts) Total() int64 {
	return c.Persisted + max(c.Pending, 0)
}

// CountReader combines the durable total with the pending cache delta.
type CountReader struct {
	counters CounterStore
	posts    PostReader
	keys     Keys
}

// NewCountReader creates a new count reader.
func NewCountReader(counters CounterStore, posts PostReader, keys Keys) *CountReader {
	return &CountReader{counters: counters, posts: posts, keys: keys}
}

// Counts returns the view counts of a post. It returns ErrPostNotFound when
// the durable store has no such post.
func (r *CountReader) Counts(ctx context.Context, id PostID) (Counts, error) {
	persisted, err := r.posts.ViewCount(ctx, id)
	if err != nil {
		return Counts{}, err
	}

	pending, err := r.counters.Get(ctx, r.keys.Count(id))
	if err != nil {
		return Counts{}, err
	}

	return Counts{PostID: id, Persisted: persisted, Pending: pending}, nil
}
