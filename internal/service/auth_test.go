package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/atinyakov/smartmark/internal/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	AuthorizeURLFunc func(provider, redirectTo string) (string, string, error)
	ExchangeFunc     func(ctx context.Context, code, verifier string) (models.Session, error)
	LogoutFunc       func(ctx context.Context, accessToken string) error
}

func (m *mockProvider) AuthorizeURL(provider, redirectTo string) (string, string, error) {
	return m.AuthorizeURLFunc(provider, redirectTo)
}
func (m *mockProvider) Exchange(ctx context.Context, code, verifier string) (models.Session, error) {
	return m.ExchangeFunc(ctx, code, verifier)
}
func (m *mockProvider) Refresh(context.Context, string) (models.Session, error) {
	return models.Session{}, errors.New("not used")
}
func (m *mockProvider) Logout(ctx context.Context, accessToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, accessToken)
}

type mockIdentityRepo struct {
	IdentityExistsFunc func(ctx context.Context, id string) (bool, error)
	UpsertIdentityFunc func(ctx context.Context, ident models.Identity) error
}

func (m *mockIdentityRepo) IdentityExists(ctx context.Context, id string) (bool, error) {
	if m.IdentityExistsFunc == nil {
		return false, nil
	}
	return m.IdentityExistsFunc(ctx, id)
}

func (m *mockIdentityRepo) UpsertIdentity(ctx context.Context, ident models.Identity) error {
	return m.UpsertIdentityFunc(ctx, ident)
}

type mockUsers struct {
	UserFunc func(ctx context.Context, accessToken string) (models.Identity, error)
}

func (m *mockUsers) User(ctx context.Context, accessToken string) (models.Identity, error) {
	return m.UserFunc(ctx, accessToken)
}

var aliceSession = models.Session{
	AccessToken:  "access-alice",
	RefreshToken: "refresh-alice",
	Identity:     models.Identity{ID: "alice", Email: "alice@example.com"},
}

func newProvider() *mockProvider {
	return &mockProvider{
		AuthorizeURLFunc: func(provider, redirectTo string) (string, string, error) {
			return "https://auth.example.com/authorize?provider=" + provider, "verifier-1", nil
		},
		ExchangeFunc: func(ctx context.Context, code, verifier string) (models.Session, error) {
			if code != "code-1" || verifier != "verifier-1" {
				return models.Session{}, backend.ErrUnauthorized
			}
			return aliceSession, nil
		},
	}
}

func newAuthService(p auth.Provider, repo IdentityRepository) *AuthService {
	mgr := session.NewManager(session.NewMemoryStore(), time.Hour, p, auth.Options{RedirectTo: "http://localhost/auth/callback"})
	return NewAuthService(AuthConfig{Sessions: mgr, Identities: repo})
}

func TestAuthService_SignInAndCallback(t *testing.T) {
	var recorded []models.Identity
	repo := &mockIdentityRepo{UpsertIdentityFunc: func(ctx context.Context, ident models.Identity) error {
		recorded = append(recorded, ident)
		return nil
	}}
	svc := newAuthService(newProvider(), repo)
	ctx := context.Background()

	u, err := svc.SignIn(ctx, "sid", "google")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize?provider=google", u)

	sess, err := svc.Callback(ctx, "sid", "code-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Identity.ID)
	assert.Equal(t, []models.Identity{aliceSession.Identity}, recorded)

	got, err := svc.Session(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "access-alice", got.AccessToken)

	_, err = svc.Session(ctx, "other-sid")
	assert.ErrorIs(t, err, backend.ErrNoSession)
}

func TestAuthService_CallbackWithoutSignIn(t *testing.T) {
	svc := newAuthService(newProvider(), nil)

	_, err := svc.Callback(context.Background(), "sid", "code-1")
	assert.ErrorIs(t, err, auth.ErrNoPendingSignIn)
}

func TestAuthService_CallbackIdentityRecordFailureIsNotFatal(t *testing.T) {
	repo := &mockIdentityRepo{
		IdentityExistsFunc: func(context.Context, string) (bool, error) {
			return false, errors.New("db down")
		},
		UpsertIdentityFunc: func(context.Context, models.Identity) error {
			return errors.New("db down")
		},
	}
	svc := newAuthService(newProvider(), repo)
	ctx := context.Background()

	_, err := svc.SignIn(ctx, "sid", "google")
	require.NoError(t, err)
	_, err = svc.Callback(ctx, "sid", "code-1")
	assert.NoError(t, err)
}

func TestAuthService_SignOutReachesLiveListeners(t *testing.T) {
	p := newProvider()
	loggedOut := ""
	p.LogoutFunc = func(ctx context.Context, token string) error {
		loggedOut = token
		return nil
	}
	svc := newAuthService(p, nil)
	ctx := context.Background()

	live, release := svc.Acquire("sid")
	defer release()
	events := make(chan models.AuthEvent, 4)
	sub := live.OnAuthStateChange(func(ev models.AuthEvent) { events <- ev })
	defer sub.Unsubscribe()

	_, err := svc.SignIn(ctx, "sid", "google")
	require.NoError(t, err)
	_, err = svc.Callback(ctx, "sid", "code-1")
	require.NoError(t, err)
	require.NoError(t, svc.SignOut(ctx, "sid"))

	assert.Equal(t, models.SignedIn, (<-events).Kind)
	assert.Equal(t, models.SignedOut, (<-events).Kind)
	assert.Equal(t, "access-alice", loggedOut)
}

func TestAuthService_BearerSession(t *testing.T) {
	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		svc := NewAuthService(AuthConfig{})
		_, err := svc.BearerSession(ctx, "")
		assert.ErrorIs(t, err, backend.ErrNoSession)
	})

	t.Run("verifier", func(t *testing.T) {
		svc := NewAuthService(AuthConfig{Verifier: auth.NewVerifier("secret")})
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
			Email: "bob@example.com",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "bob",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := tok.SignedString([]byte("secret"))
		require.NoError(t, err)

		sess, err := svc.BearerSession(ctx, signed)
		require.NoError(t, err)
		assert.Equal(t, "bob", sess.Identity.ID)

		_, err = svc.BearerSession(ctx, "garbage")
		assert.ErrorIs(t, err, backend.ErrUnauthorized)
	})

	t.Run("user lookup", func(t *testing.T) {
		users := &mockUsers{UserFunc: func(ctx context.Context, token string) (models.Identity, error) {
			if token != "opaque" {
				return models.Identity{}, backend.ErrUnauthorized
			}
			return models.Identity{ID: "carol"}, nil
		}}
		svc := NewAuthService(AuthConfig{Users: users})

		sess, err := svc.BearerSession(ctx, "opaque")
		require.NoError(t, err)
		assert.Equal(t, "carol", sess.Identity.ID)
		assert.Equal(t, "opaque", sess.AccessToken)

		_, err = svc.BearerSession(ctx, "bad")
		assert.ErrorIs(t, err, backend.ErrUnauthorized)
	})
}
