// Package flow defines the contract shared by the surface-specific sign-in
// drivers and the pieces of OAuth2 plumbing they have in common.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
	"golang.org/x/oauth2"
)

var (
	// ErrNoToken covers every way an attempt can end without a bearer token.
	ErrNoToken = errors.New("no token obtained")

	// ErrCancelled is reported when the user dismissed the provider UI.
	ErrCancelled = errors.New("sign-in cancelled")

	// ErrTimeout is reported when a sign-in callback never arrived.
	ErrTimeout = errors.New("sign-in timed out")

	// ErrSuperseded rejects an attempt replaced by a newer one.
	ErrSuperseded = errors.New("sign-in superseded by a newer attempt")

	// ErrRedirectStarted means the page is navigating to the provider and the
	// sign-in will complete on a later page load.
	ErrRedirectStarted = errors.New("redirecting to identity provider")
)

// Driver acquires credentials for one client surface. Exactly one driver is
// selected at process start.
type Driver interface {
	Name() string

	// InteractiveSignIn may show provider UI. It must return, never hang.
	InteractiveSignIn(ctx context.Context) (*storage.Credential, error)

	// SilentAttempt never shows UI and returns nil on any failure.
	SilentAttempt(ctx context.Context) *storage.Credential
}

// Logouter is implemented by drivers that can end the provider's own session.
type Logouter interface {
	Logout(ctx context.Context) error
}

// RedirectCompleter is implemented by drivers whose interactive sign-in
// finishes on a later page load. CompleteRedirect returns a credential only
// when currentURL is the provider's return navigation.
type RedirectCompleter interface {
	CompleteRedirect(ctx context.Context, currentURL string) (*storage.Credential, error)
}

// Provider is the identity provider as the drivers see it.
type Provider interface {
	OAuth2Config() oauth2.Config
	ResolveAccount(ctx context.Context, idToken, accessToken string) storage.Account
	LogoutURL(postLogoutRedirect string) string
	WithHTTPClient(ctx context.Context) context.Context
}

// SignInError is the interactive failure reported to the initiating surface.
type SignInError struct {
	Flow string
	Err  error
}

func (e *SignInError) Error() string {
	return fmt.Sprintf("%s sign-in failed: %v", e.Flow, e.Err)
}

func (e *SignInError) Unwrap() error {
	return e.Err
}

// Failed wraps err as a SignInError for flow, leaving nil alone.
func Failed(flow string, err error) error {
	if err == nil {
		return nil
	}
	var already *SignInError
	if errors.As(err, &already) {
		return err
	}
	return &SignInError{Flow: flow, Err: err}
}

// ProviderError is an OAuth2 error returned in a redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is maps a user denial to ErrCancelled.
func (e *ProviderError) Is(target error) bool {
	return target == ErrCancelled && e.Code == "access_denied"
}

// InteractionRequired reports whether the provider refused a prompt=none
// request because the user has to see its UI.
func (e *ProviderError) InteractionRequired() bool {
	switch e.Code {
	case "login_required", "interaction_required", "consent_required", "account_selection_required":
		return true
	}
	return false
}

// NewCredential assembles a credential from a provider response. The access
// token must be a three-part token; fallbackExpiry is used when it has no
// exp claim.
func NewCredential(ctx context.Context, p Provider, accessToken, idToken, refreshToken string, fallbackExpiry time.Time) (*storage.Credential, error) {
	if accessToken == "" {
		return nil, ErrNoToken
	}
	claims := token.DecodeClaims(accessToken)
	if claims == nil {
		return nil, fmt.Errorf("%w: access token is malformed", ErrNoToken)
	}

	cred := &storage.Credential{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    fallbackExpiry,
		Account:      p.ResolveAccount(ctx, idToken, accessToken),
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = *claims.ExpiresAt
	}
	return cred, nil
}

// RefreshedCredential replaces prev's tokens and keeps its account. A refresh
// rotates tokens for the same user, so the account is not looked up again
// unless prev never had one.
func RefreshedCredential(ctx context.Context, p Provider, prev *storage.Credential, accessToken, idToken, refreshToken string, fallbackExpiry time.Time) (*storage.Credential, error) {
	if prev == nil || prev.Account.IsZero() {
		return NewCredential(ctx, p, accessToken, idToken, refreshToken, fallbackExpiry)
	}
	claims := token.DecodeClaims(accessToken)
	if claims == nil {
		return nil, fmt.Errorf("%w: access token is malformed", ErrNoToken)
	}
	if refreshToken == "" {
		refreshToken = prev.RefreshToken
	}
	cred := &storage.Credential{
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    fallbackExpiry,
		Account:      prev.Account,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = *claims.ExpiresAt
	}
	return cred, nil
}
