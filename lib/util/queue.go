package util

import (
	"sync"
)

// Queue is an unbounded multi-producer single-consumer FIFO queue.
//
// Unlike a buffered channel a Push never blocks, which makes it safe to call
// while holding a mutex. Items pushed by one goroutine are received in push
// order; items pushed concurrently by several goroutines are received in the
// order the pushes completed.
type Queue[T interface{}] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	closed   bool
	out      chan T
	consumer sync.WaitGroup
}

// NewQueue creates a new queue and starts its delivery goroutine.
func NewQueue[T interface{}]() *Queue[T] {
	q := &Queue[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue[T]) Push(value T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, value)
	q.cond.Signal()
	return true
}

// consume moves items from the backlog to the output channel
func (q *Queue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		// take the whole backlog at once
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, v := range batch {
			q.out <- v
		}
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed once the queue is closed and drained.
func (q *Queue[T]) Recv() <-chan T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Any items already in the queue will still be delivered to the consumer.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true if the queue is closed.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of items not yet handed to the output channel.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
