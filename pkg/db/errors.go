package db

import "errors"

var (
	// ErrNotConnected is returned by operations that promise fresh server data when the
	// reactor has no authenticated connection.
	ErrNotConnected = errors.New("db: no live connection to the server")

	// ErrUnauthenticatedUse signals a programmer error: a signed-in-only accessor was used
	// while nobody is signed in. Guard with SignedIn first.
	ErrUnauthenticatedUse = errors.New("db: User must be used within an auth-protected scope")
)
