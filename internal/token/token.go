// Package token inspects bearer tokens without verifying their signatures.
//
// Signature verification belongs to the backend. Clients only read the claims
// to decide whether a token is worth presenting and when to refresh it.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryBuffer is how far ahead of its expiry a token stops being usable.
const ExpiryBuffer = 5 * time.Minute

// Claims is the subset of a token's claim set that session handling cares about.
type Claims struct {
	Subject           string
	Name              string
	Email             string
	PreferredUsername string

	// ExpiresAt is nil when the token carries no usable exp claim.
	ExpiresAt *time.Time

	Raw jwt.MapClaims
}

var parser = jwt.NewParser()

// DecodeClaims splits tok into its three segments and decodes the middle one.
// It returns nil for anything that is not a three-part token with a
// base64url JSON object as its claim set.
func DecodeClaims(tok string) *Claims {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil
	}

	var raw jwt.MapClaims
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return nil
	}

	claims := &Claims{
		Subject:           stringClaim(raw, "sub"),
		Name:              stringClaim(raw, "name"),
		Email:             stringClaim(raw, "email"),
		PreferredUsername: stringClaim(raw, "preferred_username"),
		Raw:               raw,
	}

	// A malformed exp is indistinguishable from a missing one for scheduling.
	if exp, err := raw.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		claims.ExpiresAt = &t
	}

	return claims
}

func stringClaim(raw jwt.MapClaims, key string) string {
	s, _ := raw[key].(string)
	return s
}

// IsValid reports whether tok stays usable for at least buffer from now.
func IsValid(tok string, buffer time.Duration) bool {
	return IsValidAt(tok, buffer, time.Now())
}

// IsValidAt reports whether exp > now + buffer, compared in whole seconds.
// The boundary exp == now + buffer is not valid.
func IsValidAt(tok string, buffer time.Duration, now time.Time) bool {
	claims := DecodeClaims(tok)
	if claims == nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Unix() > now.Unix()+int64(buffer/time.Second)
}

// ExpiresAt returns the token's expiry, or the zero time when it has none.
func ExpiresAt(tok string) time.Time {
	claims := DecodeClaims(tok)
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return *claims.ExpiresAt
}

// Fingerprint returns a short, non-reversible identifier for log lines.
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:4])
}
