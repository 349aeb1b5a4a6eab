package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// User represents a user in the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Room is the fixed two-participant chat context. UserAID always holds the
// smaller of the two ids, so an unordered pair maps to exactly one row.
// Rooms are never deleted, only deactivated.
type Room struct {
	ID        int64
	UserAID   int64
	UserBID   int64
	IsActive  bool
	CreatedAt time.Time
}

// Message represents a persisted chat message.
type Message struct {
	ID        int64
	RoomID    int64
	SenderID  int64
	Body      string
	Sequence  int64
	IsRead    bool
	CreatedAt time.Time
}

// AppendResult carries the server-assigned ordering of a saved message.
type AppendResult struct {
	Sequence  int64
	CreatedAt time.Time
}

// MessageStore durably appends chat messages. Sequence strictly increases
// per room; a success means the message is visible to later history reads.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID, senderID int64, body string) (AppendResult, error)
}

// MembershipOracle answers room-existence and participation questions.
// Pure reads, safe for concurrent use. The chat core never mutates
// membership, it only asks.
type MembershipOracle interface {
	RoomActive(ctx context.Context, roomID int64) (bool, error)
	IsParticipant(ctx context.Context, roomID, userID int64) (bool, error)
}

// UserStore provides the user lookups the auth gate needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore exposes room provisioning. Room lifecycle belongs to the CRUD
// side of the product; these operations exist for deployments and tests.
type RoomStore interface {
	CreateRoom(ctx context.Context, userA, userB int64) (*Room, error)
	GetRoomByID(ctx context.Context, id int64) (*Room, error)
	DeactivateRoom(ctx context.Context, id int64) error
}

// Store is the full persistence surface of the chat server.
type Store interface {
	MessageStore
	MembershipOracle
	UserStore
	RoomStore
	Close() error
}
