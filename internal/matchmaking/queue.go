// Package matchmaking pairs waiting identities by time-control bucket,
// bypassing the room lobby. FIFO within a bucket; no rating-based sorting.
package matchmaking

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/obslog"
)

type entry struct {
	stableID   string
	enqueuedAt time.Time
}

type Queue struct {
	mu      sync.Mutex
	buckets map[string][]entry
	index   map[string]string // stable id → bucket key
	now     func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		buckets: make(map[string][]entry),
		index:   make(map[string]string),
		now:     time.Now,
	}
}

// Enqueue appends the identity to the target bucket, removing it from any
// other bucket first so a connection waits in at most one queue. Returns the
// 1-based position in the bucket.
func (q *Queue) Enqueue(stableID, bucketKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(stableID)
	q.buckets[bucketKey] = append(q.buckets[bucketKey], entry{stableID: stableID, enqueuedAt: q.now()})
	q.index[stableID] = bucketKey
	pos := len(q.buckets[bucketKey])
	obslog.L().Info("mm_enqueue",
		zap.String("user", stableID),
		zap.String("bucket", bucketKey),
		zap.Int("position", pos),
	)
	return pos
}

// DequeuePair pops the two oldest waiters of a bucket once it has at least
// two. The first return value was enqueued first and is seated as white.
func (q *Queue) DequeuePair(bucketKey string) (string, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[bucketKey]
	if len(b) < 2 {
		return "", "", false
	}
	a, bb := b[0], b[1]
	q.buckets[bucketKey] = b[2:]
	if len(q.buckets[bucketKey]) == 0 {
		delete(q.buckets, bucketKey)
	}
	delete(q.index, a.stableID)
	delete(q.index, bb.stableID)
	obslog.L().Info("mm_pair",
		zap.String("bucket", bucketKey),
		zap.String("white", a.stableID),
		zap.String("black", bb.stableID),
	)
	return a.stableID, bb.stableID, true
}

// Cancel removes the identity from whatever bucket it waits in. Safe to call
// after the identity has already been paired; that is a no-op.
func (q *Queue) Cancel(stableID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(stableID)
}

// Waiting reports the bucket an identity currently waits in.
func (q *Queue) Waiting(stableID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, ok := q.index[stableID]
	return key, ok
}

func (q *Queue) removeLocked(stableID string) bool {
	key, ok := q.index[stableID]
	if !ok {
		return false
	}
	b := q.buckets[key]
	for i, e := range b {
		if e.stableID == stableID {
			q.buckets[key] = append(b[:i], b[i+1:]...)
			break
		}
	}
	if len(q.buckets[key]) == 0 {
		delete(q.buckets, key)
	}
	delete(q.index, stableID)
	return true
}
