package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/atinyakov/smartmark/internal/middleware"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/go-chi/chi/v5"
)

// BookmarkService defines the bookmark operations required by the
// BookmarkHandler.
type BookmarkService interface {
	List(ctx context.Context, sess models.Session) ([]models.Bookmark, error)
	Add(ctx context.Context, sess models.Session, nb models.NewBookmark) error
	Delete(ctx context.Context, sess models.Session, id int64) error
}

// BookmarkHandler serves the bookmark REST API. It must run behind
// middleware.RequireSession.
type BookmarkHandler struct {
	BookmarkService BookmarkService
}

// List handles GET /api/bookmarks.
func (h *BookmarkHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.BookmarkService.List(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Bookmark{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// Add handles POST /api/bookmarks with a {"title","url"} body.
func (h *BookmarkHandler) Add(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var nb models.NewBookmark
	if err := json.NewDecoder(r.Body).Decode(&nb); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.BookmarkService.Add(r.Context(), sess, nb); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Delete handles DELETE /api/bookmarks/{id}.
func (h *BookmarkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.BookmarkService.Delete(r.Context(), sess, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
