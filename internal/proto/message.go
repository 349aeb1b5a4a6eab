package proto

// Inbound is a chat message submitted by the client.
// The body must be non-empty after trimming whitespace.
type Inbound struct {
	Message string `json:"message"`
}

// Broadcast is the payload every subscriber of a room receives after a
// message has been persisted, the sender's own connection included.
type Broadcast struct {
	Message   string `json:"message"`
	Username  string `json:"username"`
	UserID    int64  `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// Error is sent to the offending client only; the connection stays open.
type Error struct {
	Error string `json:"error"`
}

// Client-visible error strings. Fixed labels, not prose: clients match on them.
const (
	ErrMessageRequired = "Message is required"
	ErrInvalidJSON     = "Invalid JSON format"
	ErrFailedToSave    = "Failed to save message"
	ErrInternal        = "Internal server error"
)
