package authctx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, farmerID string, expiry time.Time) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiry)},
		FarmerID:         farmerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateValidToken(t *testing.T) {
	v := NewVerifier("s3cret")
	tok := signToken(t, "s3cret", "farmer-1", time.Now().Add(time.Hour))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	farmerID, err := v.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "farmer-1", farmerID)
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	v := NewVerifier("s3cret")
	req := httptest.NewRequest("GET", "/", nil)
	_, err := v.Authenticate(req)
	require.Error(t, err)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("s3cret")
	tok := signToken(t, "other-secret", "farmer-1", time.Now().Add(time.Hour))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := v.Authenticate(req)
	require.Error(t, err)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("s3cret")
	tok := signToken(t, "s3cret", "farmer-1", time.Now().Add(-time.Hour))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err := v.Authenticate(req)
	require.Error(t, err)
}

func TestFarmerIDRoundTripsThroughContext(t *testing.T) {
	ctx := WithFarmerID(http.Request{}.Context(), "farmer-9")
	got, ok := FarmerID(ctx)
	require.True(t, ok)
	require.Equal(t, "farmer-9", got)
}
