package auth_test

import (
	"testing"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Email: subject + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	assert.Nil(t, auth.NewVerifier(""))
}

func TestVerifier_Verify(t *testing.T) {
	v := auth.NewVerifier("secret")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: signToken(t, "secret", "user-1", exp)},
		{name: "wrong secret", token: signToken(t, "other", "user-1", exp), wantErr: true},
		{name: "expired", token: signToken(t, "secret", "user-1", time.Now().Add(-time.Hour)), wantErr: true},
		{name: "no subject", token: signToken(t, "secret", "", exp), wantErr: true},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, backend.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
			assert.Equal(t, "authenticated", claims.Role)
		})
	}
}

func TestVerifier_RejectsNoneAlgorithm(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.NewVerifier("secret").Verify(s)
	require.ErrorIs(t, err, backend.ErrUnauthorized)
}

func TestVerifier_Session(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, "secret", "user-1", exp)

	sess, err := auth.NewVerifier("secret").Session(token)
	require.NoError(t, err)
	assert.Equal(t, token, sess.AccessToken)
	assert.Equal(t, "user-1", sess.Identity.ID)
	assert.Equal(t, "user-1@example.com", sess.Identity.Email)
	assert.True(t, exp.Equal(sess.ExpiresAt))
	assert.Empty(t, sess.RefreshToken)
}
