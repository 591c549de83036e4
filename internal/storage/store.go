package storage

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/token"
)

// Session keys
const (
	KeyAccessToken  = "session.access_token"
	KeyIDToken      = "session.id_token"
	KeyRefreshToken = "session.refresh_token"
	KeyExpiresAt    = "session.expires_at"
	KeyAccount      = "session.account"
)

// Derived state tied to a session, cleared on sign-out.
const (
	KeyCaptureStats   = "capture.stats"
	KeyUnreadCount    = "presence.unread_count"
	KeySessionExpired = "ui.session_expired"
)

var (
	sessionKeys = []string{KeyAccessToken, KeyIDToken, KeyRefreshToken, KeyExpiresAt, KeyAccount}
	derivedKeys = []string{KeyCaptureStats, KeyUnreadCount, KeySessionExpired}
)

var (
	// ErrNoPendingSignIn is returned when a callback arrives with no stored attempt.
	ErrNoPendingSignIn = errors.New("no pending sign-in")

	// ErrStateMismatch is returned when the callback state does not match the stored nonce.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrPendingExpired is returned when the stored attempt is older than its window.
	ErrPendingExpired = errors.New("pending sign-in expired")
)

// PendingKind namespaces transient sign-in state per flow.
type PendingKind string

const (
	PendingPKCE     PendingKind = "pkce"
	PendingRedirect PendingKind = "redirect"
)

// PendingAuth is transient, single-use state for one in-flight sign-in,
// keyed by its random state nonce.
type PendingAuth struct {
	State        string
	CodeVerifier string
	Nonce        string
	CreatedAt    time.Time
}

type pendingKeys struct {
	state, verifier, nonce, createdAt string
}

func (k PendingKind) keys() pendingKeys {
	p := string(k)
	return pendingKeys{
		state:     p + ".state",
		verifier:  p + ".code_verifier",
		nonce:     p + ".nonce",
		createdAt: p + ".created_at",
	}
}

func (k pendingKeys) all() []string {
	return []string{k.state, k.verifier, k.nonce, k.createdAt}
}

// IsSessionKey reports whether key holds part of the session credential.
func IsSessionKey(key string) bool {
	return slices.Contains(sessionKeys, key)
}

// Store is the typed view over a KV that the rest of the module uses.
// The KV stays the single source of truth; Store caches nothing.
type Store struct {
	kv  KV
	now func() time.Time
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// KV returns the underlying key-value store.
func (s *Store) KV() KV {
	return s.kv
}

// LoadCredential returns the stored credential, or nil when signed out.
// Storage failures and unparsable tokens both read as signed out.
func (s *Store) LoadCredential(ctx context.Context) *Credential {
	values, err := s.kv.Get(ctx, sessionKeys...)
	if err != nil {
		log.LogWarnWithFields("storage", "Failed to read credential, treating as signed out", map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	access := values[KeyAccessToken]
	if access == "" {
		return nil
	}
	claims := token.DecodeClaims(access)
	if claims == nil {
		log.LogDebugWithFields("storage", "Stored access token is malformed", map[string]any{
			"fingerprint": token.Fingerprint(access),
		})
		return nil
	}

	cred := &Credential{
		AccessToken:  access,
		IDToken:      values[KeyIDToken],
		RefreshToken: values[KeyRefreshToken],
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = *claims.ExpiresAt
	}
	if raw := values[KeyAccount]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cred.Account); err != nil {
			log.LogWarnWithFields("storage", "Cached account is unreadable", map[string]any{
				"error": err.Error(),
			})
		}
	}
	return cred
}

// SaveCredential writes token and account together. Keys the credential does
// not carry are removed so a previous flow's leftovers cannot leak into it,
// and any "session expired" notice is dropped.
func (s *Store) SaveCredential(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return fmt.Errorf("credential has no access token")
	}

	account, err := json.Marshal(cred.Account)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}

	expiresAt := cred.ExpiresAt
	if exp := token.ExpiresAt(cred.AccessToken); !exp.IsZero() {
		expiresAt = exp
	}

	values := map[string]string{
		KeyAccessToken: cred.AccessToken,
		KeyExpiresAt:   strconv.FormatInt(expiresAt.Unix(), 10),
		KeyAccount:     string(account),
	}
	stale := []string{KeySessionExpired}
	if cred.IDToken != "" {
		values[KeyIDToken] = cred.IDToken
	} else {
		stale = append(stale, KeyIDToken)
	}
	if cred.RefreshToken != "" {
		values[KeyRefreshToken] = cred.RefreshToken
	} else {
		stale = append(stale, KeyRefreshToken)
	}

	if err := s.kv.Set(ctx, values); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	if err := s.kv.Remove(ctx, stale...); err != nil {
		return fmt.Errorf("removing stale credential keys: %w", err)
	}
	return nil
}

// ClearSession removes the credential, its cached account and every piece of
// derived state tied to the session.
func (s *Store) ClearSession(ctx context.Context) error {
	keys := slices.Concat(sessionKeys, derivedKeys)
	if err := s.kv.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

// SavePending stores the state for a sign-in that has just started,
// replacing any earlier attempt of the same kind.
func (s *Store) SavePending(ctx context.Context, kind PendingKind, p PendingAuth) error {
	keys := kind.keys()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	values := map[string]string{
		keys.state:     p.State,
		keys.createdAt: strconv.FormatInt(p.CreatedAt.UnixMilli(), 10),
	}
	if p.CodeVerifier != "" {
		values[keys.verifier] = p.CodeVerifier
	}
	if p.Nonce != "" {
		values[keys.nonce] = p.Nonce
	}
	// Drop fields an earlier attempt may have left behind.
	if err := s.ClearPending(ctx, kind); err != nil {
		return fmt.Errorf("clearing previous %s state: %w", kind, err)
	}
	if err := s.kv.Set(ctx, values); err != nil {
		return fmt.Errorf("storing %s state: %w", kind, err)
	}
	return nil
}

// TakePending consumes the stored attempt of kind. The attempt is deleted
// whether or not state matches, so a mismatched callback invalidates it.
// ttl <= 0 disables the age check.
func (s *Store) TakePending(ctx context.Context, kind PendingKind, state string, ttl time.Duration) (*PendingAuth, error) {
	keys := kind.keys()

	values, err := s.kv.Get(ctx, keys.all()...)
	if err != nil {
		values = nil
		log.LogWarnWithFields("storage", "Failed to read pending sign-in", map[string]any{
			"kind":  string(kind),
			"error": err.Error(),
		})
	}
	if err := s.ClearPending(ctx, kind); err != nil {
		log.LogWarnWithFields("storage", "Failed to clear pending sign-in", map[string]any{
			"kind":  string(kind),
			"error": err.Error(),
		})
	}

	stored := values[keys.state]
	if stored == "" {
		return nil, ErrNoPendingSignIn
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(state)) != 1 {
		return nil, ErrStateMismatch
	}

	p := &PendingAuth{State: stored, CodeVerifier: values[keys.verifier], Nonce: values[keys.nonce]}
	if ms, err := strconv.ParseInt(values[keys.createdAt], 10, 64); err == nil {
		p.CreatedAt = time.UnixMilli(ms)
	}
	if ttl > 0 && (p.CreatedAt.IsZero() || s.now().Sub(p.CreatedAt) > ttl) {
		return nil, ErrPendingExpired
	}
	return p, nil
}

// HasPending reports whether an attempt of kind is stored.
func (s *Store) HasPending(ctx context.Context, kind PendingKind) bool {
	key := kind.keys().state
	values, err := s.kv.Get(ctx, key)
	return err == nil && values[key] != ""
}

// ClearPending discards any stored attempt of kind.
func (s *Store) ClearPending(ctx context.Context, kind PendingKind) error {
	return s.kv.Remove(ctx, kind.keys().all()...)
}

// MarkSessionExpired records that a caller needs the user to sign in again.
func (s *Store) MarkSessionExpired(ctx context.Context) error {
	return s.kv.Set(ctx, map[string]string{KeySessionExpired: strconv.FormatInt(s.now().Unix(), 10)})
}

// SessionExpired reports whether a "session expired" notice is pending.
func (s *Store) SessionExpired(ctx context.Context) bool {
	values, err := s.kv.Get(ctx, KeySessionExpired)
	return err == nil && values[KeySessionExpired] != ""
}

// SaveUnreadCount caches the last presence signal.
func (s *Store) SaveUnreadCount(ctx context.Context, n int) error {
	return s.kv.Set(ctx, map[string]string{KeyUnreadCount: strconv.Itoa(n)})
}

// LoadUnreadCount returns the cached presence signal, if any.
func (s *Store) LoadUnreadCount(ctx context.Context) (int, bool) {
	values, err := s.kv.Get(ctx, KeyUnreadCount)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(values[KeyUnreadCount])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ClearUnreadCount drops the cached presence signal.
func (s *Store) ClearUnreadCount(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyUnreadCount)
}
