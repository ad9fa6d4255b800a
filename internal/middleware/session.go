// Package middleware provides HTTP middlewares for browser sessions,
// authentication and request logging.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/google/uuid"
)

type ctxKey string

const (
	sidKey     ctxKey = "sid"
	sessionKey ctxKey = "session"
)

// CookieName is the browser session cookie.
const CookieName = "smartmark_sid"

// BrowserSession makes sure every request carries a browser session id,
// issuing a new cookie when the request has none or a malformed one. The id
// is stored in the request context.
func BrowserSession(secure bool, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := ""
			if c, err := r.Cookie(CookieName); err == nil {
				if _, err := uuid.Parse(c.Value); err == nil {
					sid = c.Value
				}
			}
			if sid == "" {
				sid = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     CookieName,
					Value:    sid,
					Path:     "/",
					MaxAge:   int(ttl.Seconds()),
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := context.WithValue(r.Context(), sidKey, sid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionIDFromContext returns the browser session id, or "" outside
// BrowserSession.
func GetSessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sidKey).(string); ok {
		return s
	}
	return ""
}

// SessionResolver finds the auth session of a request.
type SessionResolver interface {
	// Session returns the session stored for browser session sid.
	Session(ctx context.Context, sid string) (models.Session, error)
	// BearerSession builds a session from an access token.
	BearerSession(ctx context.Context, token string) (models.Session, error)
}

// RequireSession rejects requests without a valid session with 401. A
// Bearer token takes precedence over the browser session. On success the
// session is stored in the request context.
func RequireSession(res SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				sess models.Session
				err  error
			)
			if token, ok := bearerToken(r); ok {
				sess, err = res.BearerSession(r.Context(), token)
			} else {
				sess, err = res.Session(r.Context(), GetSessionIDFromContext(r.Context()))
			}
			switch {
			case err == nil:
			case errors.Is(err, backend.ErrNoSession), errors.Is(err, backend.ErrUnauthorized):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			default:
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionFromContext returns the session stored by RequireSession.
func GetSessionFromContext(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(sessionKey).(models.Session)
	return s, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(h[7:]), true
}
