package auth

import (
	"fmt"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token claims the server relies on.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks GoTrue access tokens signed with the project JWT secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a verifier for secret, or nil when secret is empty.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// Verify checks the signature and expiry of token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w: %w", backend.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify token: missing subject: %w", backend.ErrUnauthorized)
	}
	return claims, nil
}

// Session builds a session for a verified bearer token. It has no refresh
// token, so it ends at the token's expiry.
func (v *Verifier) Session(token string) (models.Session, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return models.Session{}, err
	}
	sess := models.Session{
		AccessToken: token,
		Identity:    models.Identity{ID: claims.Subject, Email: claims.Email},
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}
