// Package db opens the Postgres database used in direct mode and keeps its
// schema in place.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NotifyChannel is the LISTEN/NOTIFY channel bookmark changes are published on.
const NotifyChannel = "bookmark_changes"

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bookmarks (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL CHECK (title <> ''),
    url TEXT NOT NULL CHECK (url <> ''),
    user_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS bookmarks_user_created_idx
    ON bookmarks (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION notify_bookmark_change() RETURNS trigger AS $$
DECLARE
    rec RECORD;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
        'type', TG_OP,
        'table', TG_TABLE_NAME,
        'user_id', rec.user_id,
        'commit_timestamp', now()
    )::text);
    RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS bookmarks_notify ON bookmarks;
CREATE TRIGGER bookmarks_notify
    AFTER INSERT OR UPDATE OR DELETE ON bookmarks
    FOR EACH ROW EXECUTE FUNCTION notify_bookmark_change();
`

func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the tables and the change notification trigger.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
