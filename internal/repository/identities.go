// Package repository provides the direct Postgres persistence used when the
// server talks to the database instead of PostgREST.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atinyakov/smartmark/internal/models"
)

// PostgresIdentityRepository records identities seen by the auth service.
type PostgresIdentityRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresIdentityRepository creates a PostgresIdentityRepository with
// the given database connection.
func NewPostgresIdentityRepository(db *sql.DB) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{DB: db}
}

// IdentityExists checks whether an identity with the given id is recorded.
func (r *PostgresIdentityRepository) IdentityExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM identities WHERE id = $1)`,
		id,
	).Scan(&exists)
	return exists, err
}

// UpsertIdentity records id and email, refreshing last_seen.
func (r *PostgresIdentityRepository) UpsertIdentity(ctx context.Context, ident models.Identity) error {
	return upsertIdentity(ctx, r.DB, ident)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertIdentity(ctx context.Context, db execer, ident models.Identity) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO identities (id, email, last_seen) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, last_seen = now()`,
		ident.ID, ident.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}
