package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atinyakov/smartmark/internal/models"
	"github.com/supabase-community/gotrue-go/types"
)

// Provider talks to GoTrue on behalf of one project.
type Provider struct {
	cfg Config
	now func() time.Time
}

// NewProvider returns a GoTrue provider for cfg.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg, now: time.Now}
}

// AuthorizeURL returns the URL that starts the PKCE OAuth flow for provider
// and the code verifier to present when exchanging the resulting code.
// After consent GoTrue redirects to redirectTo with a code parameter.
func (p *Provider) AuthorizeURL(provider, redirectTo string) (string, string, error) {
	verifier, err := newVerifier()
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))

	q := url.Values{}
	q.Set("provider", provider)
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
	q.Set("code_challenge_method", "s256")
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return strings.TrimRight(p.cfg.URL, "/") + "/auth/v1/authorize?" + q.Encode(), verifier, nil
}

func newVerifier() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Exchange trades an authorization code for a session.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (models.Session, error) {
	cl, err := p.cfg.client("")
	if err != nil {
		return models.Session{}, err
	}
	return withContext(ctx, "exchange code", func() (models.Session, error) {
		resp, err := cl.Auth.Token(types.TokenRequest{
			GrantType:    "pkce",
			Code:         code,
			CodeVerifier: verifier,
		})
		if err != nil {
			return models.Session{}, mapAuthErr("exchange code", err)
		}
		return p.session(resp.Session), nil
	})
}

// Refresh trades a refresh token for a new session.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	cl, err := p.cfg.client("")
	if err != nil {
		return models.Session{}, err
	}
	return withContext(ctx, "refresh session", func() (models.Session, error) {
		resp, err := cl.Auth.RefreshToken(refreshToken)
		if err != nil {
			return models.Session{}, mapAuthErr("refresh session", err)
		}
		return p.session(resp.Session), nil
	})
}

// User returns the identity the access token belongs to.
func (p *Provider) User(ctx context.Context, accessToken string) (models.Identity, error) {
	cl, err := p.cfg.client(accessToken)
	if err != nil {
		return models.Identity{}, err
	}
	return withContext(ctx, "get user", func() (models.Identity, error) {
		resp, err := cl.Auth.WithToken(accessToken).GetUser()
		if err != nil {
			return models.Identity{}, mapAuthErr("get user", err)
		}
		return models.Identity{ID: resp.ID.String(), Email: resp.Email}, nil
	})
}

// Logout revokes the session's refresh tokens.
func (p *Provider) Logout(ctx context.Context, accessToken string) error {
	cl, err := p.cfg.client(accessToken)
	if err != nil {
		return err
	}
	_, err = withContext(ctx, "logout", func() (struct{}, error) {
		return struct{}{}, mapAuthErr("logout", cl.Auth.WithToken(accessToken).Logout())
	})
	return err
}

func (p *Provider) session(s types.Session) models.Session {
	expires := time.Time{}
	switch {
	case s.ExpiresAt > 0:
		expires = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		expires = p.now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return models.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expires,
		Identity:     models.Identity{ID: s.User.ID.String(), Email: s.User.Email},
	}
}
