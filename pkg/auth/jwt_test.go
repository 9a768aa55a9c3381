package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)

	token, err := issuer.GenerateToken("agent-7")
	require.NoError(t, err)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.UserID)
	assert.Equal(t, "agent-7", claims.Subject)
}

func TestIssuer_RejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	other := NewIssuer("other-secret", time.Hour)

	token, err := other.GenerateToken("agent-7")
	require.NoError(t, err)
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := issuer.GenerateToken("agent-7")
	require.NoError(t, err)
	issuer.now = time.Now
	_, err = issuer.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RequiresUserID(t *testing.T) {
	_, err := NewIssuer("secret", 0).GenerateToken("")
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(req))
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, err := issuer.GenerateToken("client-1")
	require.NoError(t, err)

	var seen string
	handler := issuer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.UserID
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
	assert.Equal(t, "client-1", seen)
}
