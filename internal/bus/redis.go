package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements Bus over Redis pub/sub with one channel per room
// topic, so every worker process serving a room's participants sees every
// event regardless of which process published it.
type RedisBus struct {
	client *redis.Client
	sink   Sink
	log    *zerolog.Logger

	mu     sync.Mutex
	topics map[int64]*redisTopic
	closed bool
}

type redisTopic struct {
	refs   int
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus builds a bus backed by the given Redis client. The client is
// owned by the caller and is not closed by Close.
func NewRedisBus(client *redis.Client, sink Sink, logger *zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		sink:   sink,
		log:    logger,
		topics: make(map[int64]*redisTopic),
	}
}

func topicName(roomID int64) string {
	return fmt.Sprintf("chat:%d", roomID)
}

// Subscribe takes a reference on the room topic. The first reference opens
// the Redis subscription and starts the pump goroutine; later references
// reuse it.
func (b *RedisBus) Subscribe(ctx context.Context, roomID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus closed")
	}

	if t, ok := b.topics[roomID]; ok {
		t.refs++
		return nil
	}

	pubsub := b.client.Subscribe(context.WithoutCancel(ctx), topicName(roomID))
	// Force the SUBSCRIBE round trip so a failed Redis connection surfaces
	// here instead of silently dropping events later.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe topic %s: %w", topicName(roomID), err)
	}

	t := &redisTopic{refs: 1, pubsub: pubsub, done: make(chan struct{})}
	b.topics[roomID] = t
	go b.pump(roomID, t)
	return nil
}

// Unsubscribe releases one reference on the room topic and closes the
// Redis subscription when the last reference is gone. Unknown rooms are a
// no-op.
func (b *RedisBus) Unsubscribe(roomID int64) error {
	b.mu.Lock()
	t, ok := b.topics[roomID]
	if ok {
		t.refs--
		if t.refs > 0 {
			b.mu.Unlock()
			return nil
		}
		delete(b.topics, roomID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	if err := t.pubsub.Close(); err != nil {
		return fmt.Errorf("close topic %s: %w", topicName(roomID), err)
	}
	<-t.done
	return nil
}

// Publish marshals the event onto the room topic. Redis delivers it to
// every subscribed process, this one included.
func (b *RedisBus) Publish(ctx context.Context, roomID int64, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topicName(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish topic %s: %w", topicName(roomID), err)
	}
	return nil
}

func (b *RedisBus) pump(roomID int64, t *redisTopic) {
	defer close(t.done)

	for msg := range t.pubsub.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.log.Error().Err(err).Int64("room_id", roomID).Msg("bad bus payload")
			continue
		}
		b.sink(evt)
	}
}

// Close tears down every topic subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[int64]*redisTopic)
	b.closed = true
	b.mu.Unlock()

	for roomID, t := range topics {
		if err := t.pubsub.Close(); err != nil {
			b.log.Warn().Err(err).Int64("room_id", roomID).Msg("close topic")
		}
		<-t.done
	}
	return nil
}
