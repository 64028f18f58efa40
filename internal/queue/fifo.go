package queue

import (
	"context"
	"sync"
)

// FIFO is an unbounded, thread-safe first-in first-out queue with a
// finish signal. Consumers block in Pop until an item arrives, the queue is
// marked finished, or their context is cancelled.
//
// A FIFO must not be copied after first use.
type FIFO[T any] struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond // signalled on push and finish
	drained  *sync.Cond // signalled on pop
	items    []T
	head     int
	finished bool
	high     int
}

// NewFIFO returns an empty queue.
func NewFIFO[T any]() *FIFO[T] {
	q := &FIFO[T]{}
	q.nonEmpty = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Push appends v. Pushing onto a finished queue panics, like sending on a
// closed channel.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		panic("queue: push on finished queue")
	}
	q.items = append(q.items, v)
	if n := len(q.items) - q.head; n > q.high {
		q.high = n
	}
	q.nonEmpty.Signal()
}

// Pop removes and returns the oldest item. It blocks while the queue is
// empty and not finished. ok is false once the queue is finished and empty,
// or when ctx is cancelled first.
func (q *FIFO[T]) Pop(ctx context.Context) (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len() == 0 && !q.finished && ctx.Err() == nil {
		stop := q.wakeOnDone(ctx)
		defer stop()
		for q.len() == 0 && !q.finished && ctx.Err() == nil {
			q.nonEmpty.Wait()
		}
	}
	if q.len() == 0 || ctx.Err() != nil {
		return v, false
	}
	return q.popLocked(), true
}

// TryPop removes the oldest item without blocking.
func (q *FIFO[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.len() == 0 {
		return v, false
	}
	return q.popLocked(), true
}

// WaitSizeBelow blocks until fewer than n items are queued or ctx is done.
func (q *FIFO[T]) WaitSizeBelow(ctx context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len() < n {
		return nil
	}
	stop := q.wakeOnDone(ctx)
	defer stop()
	for q.len() >= n {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.drained.Wait()
	}
	return nil
}

// MarkFinished signals that no further items will be pushed. Items already
// queued remain poppable. Calling it more than once is a no-op.
func (q *FIFO[T]) MarkFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}
	q.finished = true
	q.nonEmpty.Broadcast()
}

// Finished reports whether MarkFinished has been called.
func (q *FIFO[T]) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// Drained reports whether the queue is finished and empty.
func (q *FIFO[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished && q.len() == 0
}

// Size returns the number of queued items.
func (q *FIFO[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

// HighWater returns the largest size the queue has reached.
func (q *FIFO[T]) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high
}

func (q *FIFO[T]) len() int { return len(q.items) - q.head }

func (q *FIFO[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.drained.Broadcast()
	return v
}

// wakeOnDone wakes all waiters when ctx is cancelled. The callback takes the
// lock, so a waiter that checked ctx.Err() under the lock is already parked
// in Wait when the broadcast happens.
func (q *FIFO[T]) wakeOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.nonEmpty.Broadcast()
		q.drained.Broadcast()
	})
}
