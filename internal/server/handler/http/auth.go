// Package http provides the HTTP surface of the SmartMark server: the OAuth
// endpoints, the bookmark REST API, the live WebSocket channel and the page.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/middleware"
	"github.com/atinyakov/smartmark/internal/models"
	"go.uber.org/zap"
)

// AuthService defines the authentication operations required by the
// AuthHandler. All of them act on one browser session id.
type AuthService interface {
	// SignIn returns the provider URL the browser is sent to.
	SignIn(ctx context.Context, sid, provider string) (string, error)
	// Callback exchanges the authorization code for a session.
	Callback(ctx context.Context, sid, code string) (models.Session, error)
	// SignOut ends the session.
	SignOut(ctx context.Context, sid string) error
}

// AuthHandler handles the OAuth sign-in round trip and sign-out.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// Provider is used when the sign-in request names none.
	Provider string
	Logger   *zap.Logger
}

// SignIn handles GET /auth/signin?provider=... by redirecting the browser
// to the provider consent page.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = h.Provider
	}
	sid := middleware.GetSessionIDFromContext(r.Context())

	u, err := h.AuthService.SignIn(r.Context(), sid, provider)
	if err != nil {
		h.logger().Warn("sign in failed", zap.String("provider", provider), zap.Error(err))
		writeError(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Callback handles GET /auth/callback?code=... and sends the browser back
// to the page, where the live channel picks up the new session.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if reason := q.Get("error_description"); reason != "" || q.Get("error") != "" {
		h.logger().Info("provider refused sign in", zap.String("error", q.Get("error")), zap.String("reason", reason))
		http.Error(w, "sign-in was not completed", http.StatusUnauthorized)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	sid := middleware.GetSessionIDFromContext(r.Context())

	if _, err := h.AuthService.Callback(r.Context(), sid, code); err != nil {
		h.logger().Warn("sign in callback failed", zap.Error(err))
		if errors.Is(err, auth.ErrNoPendingSignIn) {
			http.Error(w, "no sign-in in progress", http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// SignOut handles POST /auth/signout.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	sid := middleware.GetSessionIDFromContext(r.Context())
	if err := h.AuthService.SignOut(r.Context(), sid); err != nil {
		h.logger().Warn("sign out failed", zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
