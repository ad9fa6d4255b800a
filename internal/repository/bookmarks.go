package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Postgres error codes that mean the caller sent a bad record.
const (
	pqCheckViolation   = "23514"
	pqNotNullViolation = "23502"
)

// PostgresBookmarkRepository is a backend.DataStore over the bookmarks
// table. Every statement is scoped to the session identity.
type PostgresBookmarkRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB  *sql.DB
	log *zap.Logger
}

// NewPostgresBookmarkRepository creates a repository on db. log may be nil.
func NewPostgresBookmarkRepository(db *sql.DB, log *zap.Logger) *PostgresBookmarkRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresBookmarkRepository{DB: db, log: log}
}

// ListBookmarks returns the identity's bookmarks, newest first. Rows that
// fail validation are logged and skipped.
func (r *PostgresBookmarkRepository) ListBookmarks(ctx context.Context, sess models.Session) ([]models.Bookmark, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, title, url, user_id, created_at FROM bookmarks
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, sess.Identity.ID)
	if err != nil {
		return nil, fmt.Errorf("ListBookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := make([]models.Bookmark, 0)
	for rows.Next() {
		var b models.Bookmark
		if err := rows.Scan(&b.ID, &b.Title, &b.URL, &b.UserID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := models.Validate(b); err != nil {
			r.log.Warn("skipping invalid bookmark row", zap.Int64("id", b.ID), zap.Error(err))
			continue
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return bookmarks, nil
}

// InsertBookmark records the identity if needed and inserts the bookmark in
// one transaction.
func (r *PostgresBookmarkRepository) InsertBookmark(ctx context.Context, sess models.Session, nb models.NewBookmark) error {
	nb = nb.Normalize()
	if err := models.Validate(nb); err != nil {
		return errors.Join(backend.ErrInvalidRecord, err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertIdentity(ctx, tx, sess.Identity); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookmarks (title, url, user_id) VALUES ($1, $2, $3)
	`, nb.Title, nb.URL, sess.Identity.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && (pqErr.Code == pqCheckViolation || pqErr.Code == pqNotNullViolation) {
			return fmt.Errorf("insert: %w", errors.Join(backend.ErrInvalidRecord, err))
		}
		return fmt.Errorf("insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteBookmark removes the identity's bookmark with id. A missing row, or
// a row owned by someone else, yields backend.ErrNotFound.
func (r *PostgresBookmarkRepository) DeleteBookmark(ctx context.Context, sess models.Session, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = $1 AND user_id = $2`, id, sess.Identity.ID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete bookmark %d: %w", id, backend.ErrNotFound)
	}
	return nil
}
