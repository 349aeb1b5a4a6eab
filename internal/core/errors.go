package core

import "errors"

// Handshake rejection reasons. Each maps to a distinct transport status so
// clients can tell them apart without parsing prose.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrRoomNotFound    = errors.New("room not found")
	ErrForbidden       = errors.New("forbidden")
)

// Application close codes used when a connection fails after the websocket
// handshake. 4xxx mirrors the HTTP statuses the pre-accept gate uses.
const (
	CloseCodeUnauthenticated = 4401
	CloseCodeForbidden       = 4403
	CloseCodeRoomNotFound    = 4404
	CloseCodeInternal        = 1011
)
