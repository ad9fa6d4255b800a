package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/supabase-community/postgrest-go"
	"go.uber.org/zap"
)

// Store is a backend.DataStore over PostgREST. Row access is enforced by
// the project's row-level security using the session's access token; the
// owner filters below only narrow the query.
type Store struct {
	cfg Config
	log *zap.Logger
}

// NewStore returns a PostgREST store. log may be nil.
func NewStore(cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{cfg: cfg, log: log}
}

func (s *Store) ListBookmarks(ctx context.Context, sess models.Session) ([]models.Bookmark, error) {
	cl, err := s.cfg.client(sess.AccessToken)
	if err != nil {
		return nil, err
	}

	raws, err := withContext(ctx, "list bookmarks", func() ([]json.RawMessage, error) {
		var raws []json.RawMessage
		_, err := cl.From(Table).
			Select("id,title,url,user_id,created_at", "", false).
			Eq("user_id", sess.Identity.ID).
			Order("created_at", &postgrest.OrderOpts{Ascending: false}).
			ExecuteTo(&raws)
		return raws, mapRestErr("list bookmarks", err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Bookmark, 0, len(raws))
	for _, raw := range raws {
		var b models.Bookmark
		if err := json.Unmarshal(raw, &b); err != nil {
			s.log.Warn("skipping undecodable bookmark row", zap.Error(err))
			continue
		}
		if err := models.Validate(b); err != nil {
			s.log.Warn("skipping invalid bookmark row", zap.Int64("id", b.ID), zap.Error(err))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

type insertRow struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	UserID string `json:"user_id"`
}

func (s *Store) InsertBookmark(ctx context.Context, sess models.Session, nb models.NewBookmark) error {
	nb = nb.Normalize()
	if err := models.Validate(nb); err != nil {
		return errors.Join(backend.ErrInvalidRecord, err)
	}
	cl, err := s.cfg.client(sess.AccessToken)
	if err != nil {
		return err
	}
	row := insertRow{Title: nb.Title, URL: nb.URL, UserID: sess.Identity.ID}
	_, err = withContext(ctx, "insert bookmark", func() (struct{}, error) {
		_, _, err := cl.From(Table).Insert(row, false, "", "minimal", "").Execute()
		return struct{}{}, mapRestErr("insert bookmark", err)
	})
	return err
}

func (s *Store) DeleteBookmark(ctx context.Context, sess models.Session, id int64) error {
	cl, err := s.cfg.client(sess.AccessToken)
	if err != nil {
		return err
	}
	type deletedRow struct {
		ID int64 `json:"id"`
	}
	deleted, err := withContext(ctx, "delete bookmark", func() ([]deletedRow, error) {
		var rows []deletedRow
		_, err := cl.From(Table).
			Delete("representation", "").
			Eq("id", strconv.FormatInt(id, 10)).
			Eq("user_id", sess.Identity.ID).
			ExecuteTo(&rows)
		return rows, mapRestErr("delete bookmark", err)
	})
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return fmt.Errorf("delete bookmark %d: %w", id, backend.ErrNotFound)
	}
	return nil
}
