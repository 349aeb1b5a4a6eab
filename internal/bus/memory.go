package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus routes events inside a single process. It keeps the Bus
// boundary intact for single-worker deployments and tests; a multi-process
// deployment must use the Redis bus instead.
type MemoryBus struct {
	sink Sink

	mu     sync.Mutex
	refs   map[int64]int
	closed bool
}

// NewMemoryBus builds an in-process bus delivering to sink.
func NewMemoryBus(sink Sink) *MemoryBus {
	return &MemoryBus{
		sink: sink,
		refs: make(map[int64]int),
	}
}

// Subscribe increments the room's reference count.
func (b *MemoryBus) Subscribe(_ context.Context, roomID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	b.refs[roomID]++
	return nil
}

// Unsubscribe decrements the room's reference count. Dropping a room that
// was never subscribed is a no-op, which keeps teardown idempotent.
func (b *MemoryBus) Unsubscribe(roomID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.refs[roomID]; ok {
		if n <= 1 {
			delete(b.refs, roomID)
		} else {
			b.refs[roomID] = n - 1
		}
	}
	return nil
}

// Publish delivers the event to the sink if this process holds a
// subscription for the room. Delivery is synchronous, so events published
// by one goroutine arrive in publish order.
func (b *MemoryBus) Publish(_ context.Context, roomID int64, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	subscribed := b.refs[roomID] > 0
	b.mu.Unlock()

	if subscribed {
		b.sink(evt)
	}
	return nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.refs = make(map[int64]int)
	return nil
}
