package flushengine

import (
	"sync"

	"turnstone/opsworker"
)

// Queue buffers the ops worker's applied updates for one ops partition
// between flushes. It implements opsworker.FlushQueue on the producer
// side and is drained by Engine on the consumer side once a flush
// request covers an entry's offset.
type Queue struct {
	mu      sync.Mutex
	entries []opsworker.FlushQueueEntry
}

func NewQueue() *Queue {
	return &Queue{}
}

// Add implements opsworker.FlushQueue.
func (q *Queue) Add(e opsworker.FlushQueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// Drain removes and returns every buffered entry at or below
// throughOffset, in offset order.
func (q *Queue) Drain(throughOffset int64) []opsworker.FlushQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.entries) && q.entries[i].OpsOffset <= throughOffset {
		i++
	}
	drained := append([]opsworker.FlushQueueEntry(nil), q.entries[:i]...)
	q.entries = append([]opsworker.FlushQueueEntry(nil), q.entries[i:]...)
	return drained
}

// DiscardThrough drops buffered entries at or below offset without
// compacting them, because a peer's flush notification already
// covered them durably.
func (q *Queue) DiscardThrough(offset int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.entries) && q.entries[i].OpsOffset <= offset {
		i++
	}
	discarded := i
	q.entries = append([]opsworker.FlushQueueEntry(nil), q.entries[i:]...)
	return discarded
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CleanQueue collects flush notifications from peers that superseded
// entries this engine is still holding, so Engine can discard them
// without redundantly re-flushing already-durable data.
type CleanQueue struct {
	mu            sync.Mutex
	notifications []opsworker.CleanNotification
}

func NewCleanQueue() *CleanQueue {
	return &CleanQueue{}
}

// Push implements opsworker.CleanQueue.
func (c *CleanQueue) Push(n opsworker.CleanNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, n)
}

// Drain removes and returns every pending notification.
func (c *CleanQueue) Drain() []opsworker.CleanNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notifications
	c.notifications = nil
	return out
}
