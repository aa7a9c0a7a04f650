package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("test-secret-that-is-long-enough", "arena", time.Hour)
	require.NoError(t, err)
	return a
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	req := require.New(t)
	a := newTestAuthenticator(t)

	// Given a token issued for alice
	token, err := a.GenerateToken("alice", "Alice A.")
	req.NoError(err)

	// When verifying it
	id, err := a.Verify(token)

	// Then the identity is returned
	req.NoError(err)
	req.Equal(Identity{UserID: "alice", Handle: "Alice A."}, id)
}

func TestAuthenticator_HandleFallsBackToUserID(t *testing.T) {
	req := require.New(t)
	a := newTestAuthenticator(t)

	token, err := a.GenerateToken("bob", "   ")
	req.NoError(err)

	id, err := a.Verify(token)
	req.NoError(err)
	req.Equal("bob", id.Handle)
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)
	other, err := NewAuthenticator("another-secret", "arena", time.Hour)
	require.NoError(t, err)
	foreignIssuer, err := NewAuthenticator("test-secret-that-is-long-enough", "someone-else", time.Hour)
	require.NoError(t, err)

	expired := newTestAuthenticator(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	wrongSecret, _ := other.GenerateToken("alice", "Alice")
	wrongIssuer, _ := foreignIssuer.GenerateToken("alice", "Alice")
	expiredToken, _ := expired.GenerateToken("alice", "Alice")
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", wrongSecret},
		{"wrong issuer", wrongIssuer},
		{"expired", expiredToken},
		{"none algorithm", noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthenticator_GenerateRejectsInvalidUserID(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.GenerateToken("bad user!", "x")
	require.Error(t, err)
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("", "arena", time.Hour)
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestTokenFromRequest(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	req.Equal("abc.def.ghi", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=from-query", nil)
	req.Equal("from-query", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.Equal("", TokenFromRequest(r))
}

func TestIdentityContext(t *testing.T) {
	req := require.New(t)

	_, ok := IdentityFrom(context.Background())
	req.False(ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "alice", Handle: "Alice"})
	id, ok := IdentityFrom(ctx)
	req.True(ok)
	req.Equal("alice", id.UserID)
}
