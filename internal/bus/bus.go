// Package bus is an in-process broadcast channel. Every subscriber sees every
// item published after it subscribed, in publish order, unless it falls more
// than the ring capacity behind, in which case the oldest items are dropped
// for that subscriber and it is told how many it missed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 100

// ErrClosed is returned by Recv once the bus is closed and the subscriber has
// drained everything still retained.
var ErrClosed = errors.New("bus closed")

// LagError reports that a subscriber fell behind and Missed items were
// skipped. The next Recv resumes at the oldest retained item.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d items dropped", e.Missed)
}

// Bus is a bounded multi-producer multi-consumer broadcast ring.
type Bus[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   uint64 // sequence number of the next publish
	notify chan struct{}
	subs   int
	closed bool
}

// New creates a bus retaining up to capacity items.
func New[T any](capacity int) *Bus[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends item to the ring and wakes waiting subscribers. It never
// blocks and returns the number of live subscribers.
func (b *Bus[T]) Publish(item T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	b.ring[b.head%uint64(len(b.ring))] = item
	b.head++

	close(b.notify)
	b.notify = make(chan struct{})
	return b.subs
}

// Subscribe returns a subscription positioned at the next published item.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs++
	return &Subscription[T]{bus: b, next: b.head}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Close stops publishing. Subscribers drain what is retained, then get ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscription is one consumer's cursor into the bus. It is not safe for
// concurrent use by multiple goroutines.
type Subscription[T any] struct {
	bus    *Bus[T]
	next   uint64
	closed bool
}

// Recv blocks until the next item is available, the bus is closed, or ctx
// is done.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	b := s.bus

	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}

		capacity := uint64(len(b.ring))
		if b.head-s.next > capacity {
			oldest := b.head - capacity
			missed := oldest - s.next
			s.next = oldest
			b.mu.Unlock()
			return zero, &LagError{Missed: missed}
		}

		if s.next < b.head {
			item := b.ring[s.next%capacity]
			s.next++
			b.mu.Unlock()
			return item, nil
		}

		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}

		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	b.subs--
}
