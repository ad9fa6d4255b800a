package http

import (
	"errors"
	"net/http"

	"github.com/atinyakov/smartmark/internal/backend"
)

// writeError maps backend errors to an HTTP status with a plain-text body.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrNoSession), errors.Is(err, backend.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, backend.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, backend.ErrInvalidRecord):
		http.Error(w, "invalid bookmark", http.StatusBadRequest)
	case errors.Is(err, backend.ErrUnavailable):
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
