package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studymatch/chat-server/internal/bus"
)

// sendBuffer is the per-connection event queue depth. A subscriber that
// falls this far behind starts losing broadcasts rather than stalling the
// room.
const sendBuffer = 32

// Subscriber is one local connection's mailbox for room events.
type Subscriber struct {
	ID     string
	UserID int64
	events chan bus.Event
}

// NewSubscriber builds a subscriber for the given user.
func NewSubscriber(userID int64) *Subscriber {
	return &Subscriber{
		ID:     uuid.NewString(),
		UserID: userID,
		events: make(chan bus.Event, sendBuffer),
	}
}

// Events is the channel the connection's delivery loop drains.
func (s *Subscriber) Events() <-chan bus.Event {
	return s.events
}

// Registry tracks which local connections are subscribed to which rooms.
// It is process-local; cross-process fan-out is the bus's job.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64]*roomSubs
	log   *zerolog.Logger
}

type roomSubs struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		rooms: make(map[int64]*roomSubs),
		log:   logger,
	}
}

// Subscribe adds the connection to the room's local subscriber set.
// The registry lock is held while the entry is inserted so a concurrent
// Unsubscribe cannot drop the room between lookup and insert.
func (r *Registry) Subscribe(roomID int64, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomSubs{subs: make(map[*Subscriber]struct{})}
		r.rooms[roomID] = room
	}

	room.mu.Lock()
	room.subs[sub] = struct{}{}
	room.mu.Unlock()
}

// Unsubscribe removes the connection from the room's subscriber set.
// Removing a connection that is not subscribed is a no-op, which keeps
// teardown idempotent.
func (r *Registry) Unsubscribe(roomID int64, sub *Subscriber) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}

	room.mu.Lock()
	delete(room.subs, sub)
	empty := len(room.subs) == 0
	room.mu.Unlock()

	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
}

// PublishLocal delivers an event to every local subscriber of its room,
// the author's own connection included. It satisfies bus.Sink, so a bus
// wired with it fans every arriving event out to local connections. A
// room with no subscribers is a no-op. A full subscriber queue loses the
// event; it never blocks the room or the other subscribers.
func (r *Registry) PublishLocal(evt bus.Event) {
	r.mu.RLock()
	room, ok := r.rooms[evt.RoomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	for sub := range room.subs {
		select {
		case sub.events <- evt:
		default:
			r.log.Warn().
				Int64("room_id", evt.RoomID).
				Str("conn_id", sub.ID).
				Msg("subscriber queue full, dropping event")
		}
	}
}

// Count returns the number of local subscribers for a room.
func (r *Registry) Count(roomID int64) int {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.subs)
}
