package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
)

// PostgresStore keeps sessions in the sessions table. Expired rows are
// ignored on read and removed by db.StartSessionCleaner.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore returns a store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (auth.State, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT data FROM sessions WHERE id = $1 AND expires_at > $2
	`, id, time.Now()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.State{}, nil
	}
	if err != nil {
		return auth.State{}, fmt.Errorf("get session: %w", err)
	}
	var st auth.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return auth.State{}, fmt.Errorf("decode session: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, st auth.State, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, data, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at
	`, id, raw, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
