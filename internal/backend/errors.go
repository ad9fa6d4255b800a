package backend

import "errors"

var (
	// ErrNoSession means no valid session exists; the normal signed-out state.
	ErrNoSession = errors.New("no session")
	// ErrUnauthorized means the backend rejected the session credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound means the addressed row does not exist or is not visible.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means the backend is unreachable or the breaker is open.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidRecord means a record failed boundary validation.
	ErrInvalidRecord = errors.New("invalid record")
)
