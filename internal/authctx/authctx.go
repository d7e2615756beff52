// Package authctx extracts the authenticated farmer identity from a
// request's bearer token, for the authorization check in C11's read API.
package authctx

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{}

// Claims is the minimal set of claims the read API needs: which farmer
// issued the request.
type Claims struct {
	jwt.RegisteredClaims
	FarmerID string `json:"farmer_id"`
}

// Verifier validates a bearer token and extracts its claims.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Authenticate parses the Authorization header's bearer token and returns
// the farmer id it carries, or an error if the token is missing, malformed,
// or fails signature/expiry verification.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("authctx: missing bearer token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authctx: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authctx: parse token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("authctx: invalid token")
	}
	if claims.FarmerID == "" {
		return "", fmt.Errorf("authctx: token missing farmer_id claim")
	}
	return claims.FarmerID, nil
}

// WithFarmerID returns a context carrying farmerID, for handlers that need
// to propagate it past the initial auth check.
func WithFarmerID(ctx context.Context, farmerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, farmerID)
}

// FarmerID retrieves the farmer id stored by WithFarmerID.
func FarmerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKey{}).(string)
	return v, ok
}
