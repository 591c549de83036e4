package token

import (
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestDecodeClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := testutil.TokenExpiringAt(t, now.Add(time.Hour))

	claims := DecodeClaims(tok)
	require.NotNil(t, claims)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "Field Worker", claims.Name)
	assert.Equal(t, "worker@example.org", claims.Email)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestDecodeClaims_Malformed(t *testing.T) {
	header := segment(`{"alg":"none"}`)
	tests := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", header + "." + segment(`{"exp":1}`)},
		{"four segments", header + "." + segment(`{"exp":1}`) + ".sig.extra"},
		{"not base64", header + ".%%%.sig"},
		{"not json", header + "." + segment("hello") + ".sig"},
		{"json array", header + "." + segment(`[1,2]`) + ".sig"},
		{"json null", header + "." + segment(`null`) + ".sig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, DecodeClaims(tt.tok))
			assert.False(t, IsValid(tt.tok, 0))
		})
	}
}

func TestDecodeClaims_IgnoresHeaderAndSignature(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	tok := "not-a-header." + segment(`{"exp":`+jsonInt(exp)+`}`) + ".not-a-signature"

	claims := DecodeClaims(tok)
	require.NotNil(t, claims)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, exp, claims.ExpiresAt.Unix())
}

func TestIsValidAt_MissingOrBadExp(t *testing.T) {
	now := time.Now()

	noExp := testutil.UnsignedToken(t, jwt.MapClaims{"sub": "x"})
	assert.False(t, IsValidAt(noExp, 0, now))

	stringExp := testutil.UnsignedToken(t, jwt.MapClaims{"exp": "tomorrow"})
	assert.False(t, IsValidAt(stringExp, 0, now))
}

func TestIsValidAt_Boundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	buffer := 300 * time.Second

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"already expired", -time.Minute, false},
		{"inside buffer", 200 * time.Second, false},
		{"exactly at buffer", 300 * time.Second, false},
		{"one second past buffer", 301 * time.Second, true},
		{"an hour out", time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := testutil.TokenExpiringAt(t, now.Add(tt.offset))
			assert.Equal(t, tt.want, IsValidAt(tok, buffer, now))
		})
	}
}

func TestIsValid_RecomputedAgainstClock(t *testing.T) {
	tok := testutil.TokenExpiringAt(t, time.Unix(1_700_000_600, 0))

	assert.True(t, IsValidAt(tok, ExpiryBuffer, time.Unix(1_700_000_000, 0)))
	assert.False(t, IsValidAt(tok, ExpiryBuffer, time.Unix(1_700_000_400, 0)))
}

func TestExpiresAtAndFingerprint(t *testing.T) {
	exp := time.Unix(1_700_000_000, 0)
	tok := testutil.TokenExpiringAt(t, exp)

	assert.Equal(t, exp.Unix(), ExpiresAt(tok).Unix())
	assert.True(t, ExpiresAt("garbage").IsZero())

	fp := Fingerprint(tok)
	assert.Len(t, fp, 8)
	assert.Equal(t, fp, Fingerprint(tok))
	assert.Empty(t, Fingerprint(""))
}

func jsonInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
