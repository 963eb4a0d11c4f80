// Package views implements the write-back view counting pipeline: deduplicated
// recording into the cache and periodic settlement into the durable store.
package views

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidPostID is returned when a post identifier is not a positive integer.
	ErrInvalidPostID = errors.New("invalid post id")
	// ErrInvalidViewer is returned when a viewer key is empty.
	ErrInvalidViewer = errors.New("invalid viewer")
	// ErrPostNotFound is returned by a PostStore when the post row does not exist.
	ErrPostNotFound = errors.New("post not found")
)

// PostID identifies a post in the durable store.
type PostID int64

// ParsePostID parses the decimal form used in cache keys and set members.
func ParsePostID(s string) (PostID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidPostID
	}

	return PostID(n), nil
}

func (id PostID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ViewerKey identifies a viewer for deduplication, e.g. "member:42" or "anon:<hash>".
type ViewerKey string

// MemberViewer returns the key of an authenticated member.
func MemberViewer(memberID string) ViewerKey {
	return ViewerKey("member:" + memberID)
}

// AnonymousViewer returns the key of an anonymous client fingerprint.
func AnonymousViewer(fingerprint string) ViewerKey {
	return ViewerKey("anon:" + fingerprint)
}

// RecordResult tells the caller what happened to a view event.
type RecordResult int

const (
	// Counted means the view was the first in its window and was counted.
	Counted RecordResult = iota
	// Duplicate means the viewer already viewed the post in the current window.
	Duplicate
	// Dropped means the cache failed and the view was discarded.
	Dropped
)

func (r RecordResult) String() string {
	switch r {
	case Counted:
		return "counted"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Settlement decrements CounterKey by the amount that was made durable and
// drops Member from the pending registry once the counter is exactly zero.
//
// A non-empty TokenKey makes the decrement apply at most once: a settlement
// whose token is already recorded leaves the counter alone.
type Settlement struct {
	CounterKey string
	TokenKey   string
	Member     string
	Amount     int64
}

// CounterStore is the shared cache holding dedup markers, counters and the
// pending registry. All operations are atomic per call.
type CounterStore interface {
	// SetIfAbsent stores value under key with a ttl, only if key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrementAndTrack increments counterKey and adds member to setKey in one step.
	IncrementAndTrack(ctx context.Context, counterKey, setKey, member string) error
	// Get reads an integer counter. Missing keys read as zero.
	Get(ctx context.Context, key string) (int64, error)
	// ScanSet walks the members of setKey in pages of roughly batch entries.
	ScanSet(ctx context.Context, setKey string, batch int64, fn func(members []string) error) error
	RemoveFromSet(ctx context.Context, setKey string, members ...string) error
	// Settle applies every settlement in one atomic step, removing the member
	// from setKey when its remaining counter value is zero. Negative values
	// stay pending. It returns the remaining values in input order.
	Settle(ctx context.Context, setKey string, entries ...Settlement) ([]int64, error)
	// MoveMembers removes members from one set and adds them to another.
	MoveMembers(ctx context.Context, fromKey, toKey string, members ...string) error
}

// PostStore is the durable store of per-post view totals.
type PostStore interface {
	// AddViews adds delta to the post's total. It returns ErrPostNotFound when
	// the post does not exist.
	AddViews(ctx context.Context, id PostID, delta int64) error
}

// PostReader reads the durable total of a post.
type PostReader interface {
	ViewCount(ctx context.Context, id PostID) (int64, error)
}
