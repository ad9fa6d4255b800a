package service

import (
	"context"
	"errors"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
)

// BookmarkService implements the bookmark operations of the REST API by
// delegating to a DataStore.
type BookmarkService struct {
	store backend.DataStore
}

// NewBookmarkService constructs a BookmarkService on store.
func NewBookmarkService(store backend.DataStore) *BookmarkService {
	return &BookmarkService{store: store}
}

// List returns the bookmarks of the session identity, newest first.
func (s *BookmarkService) List(ctx context.Context, sess models.Session) ([]models.Bookmark, error) {
	return s.store.ListBookmarks(ctx, sess)
}

// Add validates nb and creates it for the session identity.
func (s *BookmarkService) Add(ctx context.Context, sess models.Session, nb models.NewBookmark) error {
	nb = nb.Normalize()
	if err := models.Validate(nb); err != nil {
		return errors.Join(backend.ErrInvalidRecord, err)
	}
	return s.store.InsertBookmark(ctx, sess, nb)
}

// Delete removes bookmark id of the session identity.
func (s *BookmarkService) Delete(ctx context.Context, sess models.Session, id int64) error {
	if id <= 0 {
		return backend.ErrNotFound
	}
	return s.store.DeleteBookmark(ctx, sess, id)
}
