package bus

import (
	"context"
	"time"
)

// Event is what travels on a room topic after a message has been persisted.
// The store-assigned sequence lets consumers detect reordering if the
// transport does not preserve cross-publisher order end-to-end.
type Event struct {
	RoomID     int64     `json:"room_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives every event arriving on a topic this process subscribes to.
// There is one sink per process; it fans out to local connections.
type Sink func(evt Event)

// Bus is the process-crossing publish/subscribe layer for room topics.
//
// Subscribe and Unsubscribe are reference counted per room: only the first
// Subscribe opens the underlying topic subscription and only the last
// Unsubscribe tears it down, so many local connections on one room share a
// single topic subscription. Publish delivers to every subscribed process,
// the publishing one included. Events published by one process on one room
// arrive in publish order.
type Bus interface {
	Subscribe(ctx context.Context, roomID int64) error
	Unsubscribe(roomID int64) error
	Publish(ctx context.Context, roomID int64, evt Event) error
	Close() error
}
