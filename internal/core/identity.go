package core

// Identity is an authenticated user as resolved by the auth gate before a
// session is constructed.
type Identity struct {
	UserID   int64
	Username string
}
