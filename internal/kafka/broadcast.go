package kafka

import (
	"sync"
	"sync/atomic"
)

// DefaultBroadcastCapacity is the per-subscriber buffer size.
const DefaultBroadcastCapacity = 1024

// Broadcaster fans values out to every subscriber. Each subscriber has a
// bounded buffer; a subscriber whose buffer is full misses the value.
type Broadcaster[T any] struct {
	mu       sync.RWMutex
	subs     map[*Subscription[T]]struct{}
	capacity int
	closed   bool
	dropped  atomic.Uint64
}

// Subscription receives values published after it was created.
type Subscription[T any] struct {
	c       chan T
	b       *Broadcaster[T]
	once    sync.Once
	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster with the given per-subscriber capacity.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultBroadcastCapacity
	}
	return &Broadcaster[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Subscribe returns a fresh subscription. On a closed broadcaster the
// subscription's channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{c: make(chan T, b.capacity), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.c)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Send delivers v to every subscriber without blocking and returns how many
// subscribers received it.
func (b *Broadcaster[T]) Send(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for s := range b.subs {
		select {
		case s.c <- v:
			delivered++
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription channel. Later Sends are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.c) })
		delete(b.subs, s)
	}
}

// C returns the receive channel. It is closed by Close on either side.
func (s *Subscription[T]) C() <-chan T {
	return s.c
}

// Dropped returns how many values this subscriber missed.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its broadcaster.
func (s *Subscription[T]) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.once.Do(func() { close(s.c) })
}
