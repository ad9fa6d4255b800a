// Package supabase adapts a hosted Supabase project to the backend contract:
// GoTrue for sessions and PostgREST for the bookmarks table.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atinyakov/smartmark/internal/backend"
	supa "github.com/supabase-community/supabase-go"
)

// Table is the PostgREST resource bookmarks are stored in.
const Table = "bookmarks"

// Config locates a Supabase project.
type Config struct {
	// URL is the project base URL, e.g. https://xyz.supabase.co.
	URL string
	// AnonKey is the public anon key sent as apikey on every request.
	AnonKey string
}

// client returns a supabase client that acts as the holder of accessToken.
// An empty token acts as the anon role.
func (c Config) client(accessToken string) (*supa.Client, error) {
	var opts *supa.ClientOptions
	if accessToken != "" {
		opts = &supa.ClientOptions{Headers: map[string]string{
			"Authorization": "Bearer " + accessToken,
		}}
	}
	cl, err := supa.NewClient(strings.TrimRight(c.URL, "/"), c.AnonKey, opts)
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return cl, nil
}

// PostgREST reports failures as "(code) message".
var restCode = regexp.MustCompile(`^\(([0-9A-Z]+)\)`)

// mapRestErr translates PostgREST error codes into backend sentinels.
func mapRestErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := ""
	if m := restCode.FindStringSubmatch(err.Error()); m != nil {
		code = m[1]
	}
	switch {
	case strings.HasPrefix(code, "PGRST30"), code == "42501":
		return fmt.Errorf("%s: %w", op, errors.Join(backend.ErrUnauthorized, err))
	case code == "23514", code == "23502", code == "22P02":
		return fmt.Errorf("%s: %w", op, errors.Join(backend.ErrInvalidRecord, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mapAuthErr translates GoTrue HTTP failures into backend sentinels.
func mapAuthErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "bad_jwt") {
		return fmt.Errorf("%s: %w", op, errors.Join(backend.ErrUnauthorized, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withContext runs fn and returns when it finishes or ctx is done. The
// PostgREST and GoTrue clients take no context, so a call abandoned on
// timeout completes in the background and its result is dropped.
func withContext[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w", op, errors.Join(backend.ErrUnavailable, ctx.Err()))
	}
}
