package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// UnsignedToken builds a three-part token with an empty signature segment.
// Clients never verify signatures, so this is all a test needs.
func UnsignedToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return tok
}

// TokenExpiringAt returns an unsigned token for a test user with the given exp.
func TokenExpiringAt(t testing.TB, exp time.Time) string {
	t.Helper()
	return UnsignedToken(t, jwt.MapClaims{
		"sub":   "user-123",
		"name":  "Field Worker",
		"email": "worker@example.org",
		"exp":   exp.Unix(),
	})
}

// TokenExpiringIn is TokenExpiringAt relative to the wall clock.
func TokenExpiringIn(t testing.TB, d time.Duration) string {
	t.Helper()
	return TokenExpiringAt(t, time.Now().Add(d))
}
