// Package queue provides a simple unbounded thread-safe FIFO.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	elems []T
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends an element to the queue.
func (q *Queue[T]) Put(t T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.elems) == 0 {
		q.cond.Broadcast()
	}
	q.elems = append(q.elems, t)
}

// Get removes and returns the oldest element, blocking while the queue is
// empty.
func (q *Queue[T]) Get() T {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.elems) == 0 {
		q.cond.Wait()
	}
	res := q.elems[0]
	q.elems = q.elems[1:]
	return res
}

// GetWithContext is Get, except it unblocks with an error when the context is
// canceled. It spawns a goroutine per call, so it is not for hot paths.
func (q *Queue[T]) GetWithContext(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	for len(q.elems) == 0 && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}
	res := q.elems[0]
	q.elems = q.elems[1:]
	return res, nil
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elems)
}
