// Package queue provides the fixed-capacity blocking queue used between
// pipeline stages. It is the only throttling mechanism besides the
// replayer's explicit rate limiter: a stalled consumer fills its queue,
// which blocks the upstream producer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by puts after Close. Expected during shutdown;
	// an error only outside it.
	ErrClosed = errors.New("queue closed")

	// ErrFull is returned by TryPut when the queue is at capacity.
	ErrFull = errors.New("queue full")

	// ErrEndOfStream is returned by Get once the queue is closed and every
	// accepted item has been drained.
	ErrEndOfStream = errors.New("end of stream")

	// ErrBackpressureTimeout is returned by PutBounded when a blocking put
	// exceeds its sanity bound. This indicates a capacity or configuration
	// problem and is treated as fatal by the coordinator, never retried.
	ErrBackpressureTimeout = errors.New("backpressure timeout: put blocked past sanity bound")
)

// Queue is a bounded FIFO hand-off between one producer group and one
// consumer group. Order holds per single-producer/single-consumer pair;
// with multiple producers the cross-producer order is unspecified, but no
// accepted item is ever lost or duplicated.
//
// Close follows a single-owner convention: the producing stage closes its
// output queue after its final Put has returned. A Put racing Close may
// either be accepted or fail with ErrClosed; in both cases the caller knows
// whether the item was taken.
type Queue[T any] struct {
	name string
	ch   chan T
	done chan struct{}
	once sync.Once
}

// New creates a queue with the given capacity. Capacity must be at least 1.
func New[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put blocks until the item is accepted, the queue is closed, or ctx is
// done. Blocking here is expected backpressure, not an error.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutBounded is Put with a sanity bound: if the item is still not accepted
// after bound elapses, it fails with ErrBackpressureTimeout. bound <= 0
// means no bound.
func (q *Queue[T]) PutBounded(ctx context.Context, v T, bound time.Duration) error {
	if bound <= 0 {
		return q.Put(ctx, v)
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBackpressureTimeout
	}
}

// TryPut accepts the item only if space exists right now.
func (q *Queue[T]) TryPut(v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrFull
	}
}

// Get blocks until an item is available, the queue is closed and fully
// drained (ErrEndOfStream), or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		// Closed while waiting: hand out anything accepted before close.
		select {
		case v := <-q.ch:
			return v, nil
		default:
			return zero, ErrEndOfStream
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryGet returns the next item without blocking. ok is false when the
// queue is currently empty, whether or not it is closed.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Close is idempotent. It wakes every blocked waiter: pending puts fail
// with ErrClosed, pending gets drain remaining items and then observe
// ErrEndOfStream.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// C exposes the receive channel so a consumer can select across several
// queues. Use together with Done and TryGet for drain-after-close.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Len is the number of buffered items. Always <= Cap.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap is the fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Name identifies the queue in telemetry.
func (q *Queue[T]) Name() string { return q.name }
