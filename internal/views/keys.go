package views

import "fmt"

// DefaultKeyPrefix is the namespace of every cache key the pipeline writes.
const DefaultKeyPrefix = "post:view"

// Keys builds cache key names.
type Keys struct {
	Prefix string
}

// NewKeys creates a key builder. An empty prefix falls back to DefaultKeyPrefix.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return Keys{Prefix: prefix}
}

// Marker is the dedup marker of one viewer on one post.
func (k Keys) Marker(id PostID, viewer ViewerKey) string {
	return fmt.Sprintf("%s:limit:%d:user:%s", k.Prefix, id, viewer)
}

// Count is the pending delta counter of a post.
func (k Keys) Count(id PostID) string {
	return fmt.Sprintf("%s:count:%d", k.Prefix, id)
}

// SettleToken marks the settlement of one flush of a post. attempt is the
// chunk attempt that made the delta durable.
func (k Keys) SettleToken(cycleID string, id PostID, attempt int) string {
	return fmt.Sprintf("%s:settled:%s:%d:%d", k.Prefix, cycleID, id, attempt)
}

// Pending is the set of posts with a delta waiting to be flushed.
func (k Keys) Pending() string {
	return k.Prefix + ":pending_posts"
}

// DeadLetter is the set of posts whose flush exhausted its retries.
func (k Keys) DeadLetter() string {
	return k.Prefix + ":sync_failed"
}

// SyncLock is the lease guarding sync cycles across instances.
func (k Keys) SyncLock() string {
	return k.Prefix + ":sync_lock"
}
