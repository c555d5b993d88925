package nav

import (
	"context"
	"sync"
	"sync/atomic"
)

// LatestQueue is a single-slot queue that keeps only the newest item.
// Put never blocks: an unread item is replaced and counted as dropped.
type LatestQueue[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  chan struct{}
	once    sync.Once
	puts    atomic.Uint64
	dropped atomic.Uint64
}

// NewLatestQueue creates an empty queue
func NewLatestQueue[T any]() *LatestQueue[T] {
	return &LatestQueue[T]{
		ch:     make(chan T, 1),
		closed: make(chan struct{}),
	}
}

// Put stores item, overwriting any unread item. Returns ErrQueueClosed after Close.
func (q *LatestQueue[T]) Put(item T) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	q.ch <- item
	q.puts.Add(1)
	return nil
}

// Get blocks until an item is available, ctx is done, or the queue is closed.
// An item already in the slot is returned even after Close.
func (q *LatestQueue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}

	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.closed:
		return zero, ErrQueueClosed
	}
}

// TryGet returns the pending item without blocking
func (q *LatestQueue[T]) TryGet() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns 1 when an item is waiting, else 0
func (q *LatestQueue[T]) Len() int { return len(q.ch) }

// Dropped returns how many unread items were overwritten
func (q *LatestQueue[T]) Dropped() uint64 { return q.dropped.Load() }

// Puts returns how many items were stored
func (q *LatestQueue[T]) Puts() uint64 { return q.puts.Load() }

// Close wakes blocked readers; further Puts fail
func (q *LatestQueue[T]) Close() {
	q.once.Do(func() { close(q.closed) })
}

// QueueStats summarizes queue counters for status reporting
type QueueStats struct {
	Puts    uint64 `json:"puts"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Stats returns the current counters
func (q *LatestQueue[T]) Stats() QueueStats {
	return QueueStats{Puts: q.Puts(), Dropped: q.Dropped(), Pending: q.Len()}
}
