package session

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxDuplicatePending caps how many copies of the same logical request may
// sit in the queue at once, bounding growth during retry storms.
const maxDuplicatePending = 2

// PendingRequest is an opaque retryable unit of work.
type PendingRequest func(ctx context.Context) error

type pendingEntry struct {
	key    string
	replay PendingRequest
}

// PendingRequestQueue buffers API calls that failed with an auth-required
// signal until authentication is confirmed, then replays them once.
type PendingRequestQueue struct {
	mu      sync.Mutex
	entries []pendingEntry
}

// NewPendingRequestQueue creates an empty queue.
func NewPendingRequestQueue() *PendingRequestQueue {
	return &PendingRequestQueue{}
}

// Enqueue appends a retry closure keyed by the request's logical identity
// (endpoint plus payload). It reports whether the entry was accepted; a
// request already queued maxDuplicatePending times is dropped.
func (q *PendingRequestQueue) Enqueue(key string, replay PendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	duplicates := 0
	for _, entry := range q.entries {
		if entry.key == key {
			duplicates++
		}
	}
	if duplicates >= maxDuplicatePending {
		log.Debugf("pending queue: dropping duplicate request %q (%d already queued)", key, duplicates)
		return false
	}

	q.entries = append(q.entries, pendingEntry{key: key, replay: replay})
	return true
}

// Len returns the number of queued requests.
func (q *PendingRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DrainAndReplay atomically takes a snapshot of the queue, clears it, and
// executes each captured closure sequentially. Per-item failures are logged
// and never block the remaining replays.
func (q *PendingRequestQueue) DrainAndReplay(ctx context.Context) {
	q.mu.Lock()
	snapshot := q.entries
	q.entries = nil
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	log.Debugf("pending queue: replaying %d blocked request(s)", len(snapshot))
	for _, entry := range snapshot {
		if err := entry.replay(ctx); err != nil {
			log.Errorf("pending queue: replay of %q failed: %v", entry.key, err)
		}
	}
}

// Clear discards all queued requests without replaying them.
func (q *PendingRequestQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
