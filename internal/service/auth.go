// Package service provides the business logic behind the HTTP surface:
// browser-session auth on top of the shared auth clients, and bookmark
// operations on top of the data store.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"go.uber.org/zap"
)

// Sessions hands out the auth client of a browser session.
type Sessions interface {
	// Acquire returns the client for sid and a func that releases it.
	Acquire(sid string) (*auth.Client, func())
}

// UserLookup resolves an access token to its identity at the auth service.
type UserLookup interface {
	User(ctx context.Context, accessToken string) (models.Identity, error)
}

// IdentityRepository records identities that signed in.
type IdentityRepository interface {
	IdentityExists(ctx context.Context, id string) (bool, error)
	UpsertIdentity(ctx context.Context, ident models.Identity) error
}

// AuthConfig wires an AuthService.
type AuthConfig struct {
	Sessions Sessions
	// Users resolves bearer tokens when Verifier is nil.
	Users UserLookup
	// Verifier resolves bearer tokens locally. Optional.
	Verifier *auth.Verifier
	// Identities is set in direct Postgres mode. Optional.
	Identities IdentityRepository
	Logger     *zap.Logger
}

// AuthService implements sign-in, callback and sign-out for browser
// sessions, and resolves the session of API requests.
type AuthService struct {
	sessions   Sessions
	users      UserLookup
	verifier   *auth.Verifier
	identities IdentityRepository
	log        *zap.Logger
}

// NewAuthService constructs an AuthService from cfg.
func NewAuthService(cfg AuthConfig) *AuthService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		sessions:   cfg.Sessions,
		users:      cfg.Users,
		verifier:   cfg.Verifier,
		identities: cfg.Identities,
		log:        log,
	}
}

// Acquire returns the auth backend of browser session sid, shared with
// every other holder, and its release func.
func (s *AuthService) Acquire(sid string) (backend.AuthBackend, func()) {
	return s.sessions.Acquire(sid)
}

// SignIn starts the OAuth flow for sid and returns the provider URL.
func (s *AuthService) SignIn(ctx context.Context, sid, provider string) (string, error) {
	c, release := s.sessions.Acquire(sid)
	defer release()
	return c.SignInWithOAuth(ctx, provider)
}

// Callback completes the sign-in of sid with the authorization code. Every
// live view of sid receives the new session.
func (s *AuthService) Callback(ctx context.Context, sid, code string) (models.Session, error) {
	c, release := s.sessions.Acquire(sid)
	defer release()
	sess, err := c.Complete(ctx, code)
	if err != nil {
		return models.Session{}, err
	}
	if s.identities != nil {
		s.recordIdentity(ctx, sess.Identity)
	}
	return sess, nil
}

// recordIdentity is best effort; the session is valid either way.
func (s *AuthService) recordIdentity(ctx context.Context, ident models.Identity) {
	known, lookupErr := s.identities.IdentityExists(ctx, ident.ID)
	if lookupErr != nil {
		s.log.Warn("failed to look up identity", zap.String("identity", ident.ID), zap.Error(lookupErr))
	}
	if err := s.identities.UpsertIdentity(ctx, ident); err != nil {
		s.log.Warn("failed to record identity", zap.String("identity", ident.ID), zap.Error(err))
		return
	}
	if lookupErr == nil && !known {
		s.log.Info("first sign-in", zap.String("identity", ident.ID))
	}
}

// SignOut ends the session of sid.
func (s *AuthService) SignOut(ctx context.Context, sid string) error {
	c, release := s.sessions.Acquire(sid)
	defer release()
	return c.SignOut(ctx)
}

// Session returns the current session of sid.
func (s *AuthService) Session(ctx context.Context, sid string) (models.Session, error) {
	c, release := s.sessions.Acquire(sid)
	defer release()
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return models.Session{}, err
	}
	return *sess, nil
}

// BearerSession builds a session from an access token presented by an API
// client. The token is checked locally when a verifier is configured and
// by the auth service otherwise.
func (s *AuthService) BearerSession(ctx context.Context, token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, backend.ErrNoSession
	}
	if s.verifier != nil {
		return s.verifier.Session(token)
	}
	if s.users == nil {
		return models.Session{}, errors.New("no token resolver configured")
	}
	ident, err := s.users.User(ctx, token)
	if err != nil {
		return models.Session{}, fmt.Errorf("resolve token: %w", err)
	}
	return models.Session{AccessToken: token, Identity: ident}, nil
}
