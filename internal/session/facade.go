// Package session is the single entry point surfaces use for authentication
// state. Storage stays the source of truth; the Facade keeps no token cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/idp"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
)

// Refresher obtains a token without the user, returning "" when it cannot.
type Refresher interface {
	Refresh(ctx context.Context) string
}

// Facade composes the credential store, the token inspector and the refresh
// coordinator behind one API.
type Facade struct {
	driver         flow.Driver
	store          *storage.Store
	refresher      Refresher
	buffer         time.Duration
	now            func() time.Time
	providerLogout bool
}

// Option configures a Facade.
type Option func(*Facade)

// WithExpiryBuffer sets how far ahead of exp a token stops being usable.
func WithExpiryBuffer(d time.Duration) Option {
	return func(f *Facade) {
		f.buffer = d
	}
}

// WithClock replaces the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		f.now = now
	}
}

// WithProviderLogout makes SignOut also end the provider's session when the
// driver supports it.
func WithProviderLogout(enabled bool) Option {
	return func(f *Facade) {
		f.providerLogout = enabled
	}
}

// NewFacade creates a Facade.
func NewFacade(driver flow.Driver, store *storage.Store, refresher Refresher, opts ...Option) *Facade {
	f := &Facade{
		driver:    driver,
		store:     store,
		refresher: refresher,
		buffer:    token.ExpiryBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Store exposes the credential store the Facade writes to.
func (f *Facade) Store() *storage.Store {
	return f.store
}

func (f *Facade) usable(cred *storage.Credential) bool {
	return cred != nil && token.IsValidAt(cred.AccessToken, f.buffer, f.now())
}

// GetValidToken returns a usable access token, refreshing silently if the
// stored one is about to expire. "" means the caller must sign in.
func (f *Facade) GetValidToken(ctx context.Context) string {
	if cred := f.store.LoadCredential(ctx); f.usable(cred) {
		return cred.AccessToken
	}
	return f.refresher.Refresh(ctx)
}

// GetCurrentAccount returns the signed-in account, or nil. Expiry decides,
// not presence: an expired token yields nil even though the account is
// still stored.
func (f *Facade) GetCurrentAccount(ctx context.Context) *storage.Account {
	cred := f.store.LoadCredential(ctx)
	if !f.usable(cred) {
		return nil
	}
	account := cred.Account
	if account.IsZero() {
		account = idp.AccountFromClaims(token.DecodeClaims(cred.AccessToken))
	}
	return &account
}

// SignIn runs the driver's interactive flow and stores the result. For the
// web surface it returns flow.ErrRedirectStarted; Boot finishes the job on
// the next page load.
func (f *Facade) SignIn(ctx context.Context) (*storage.Account, error) {
	cred, err := f.driver.InteractiveSignIn(ctx)
	if err != nil {
		return nil, err
	}
	return f.adopt(ctx, cred)
}

// Boot runs once when a surface starts. It completes a redirect sign-in if
// the driver has one waiting, and otherwise restores the cached account.
func (f *Facade) Boot(ctx context.Context, currentURL string) (*storage.Account, error) {
	if rc, ok := f.driver.(flow.RedirectCompleter); ok {
		cred, err := rc.CompleteRedirect(ctx, currentURL)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return f.adopt(ctx, cred)
		}
	}
	return f.GetCurrentAccount(ctx), nil
}

func (f *Facade) adopt(ctx context.Context, cred *storage.Credential) (*storage.Account, error) {
	if cred == nil {
		return nil, flow.Failed(f.driver.Name(), flow.ErrNoToken)
	}
	if err := f.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	log.LogInfoWithFields("session", "Signed in", map[string]any{
		"flow":      f.driver.Name(),
		"account":   cred.Account.Email,
		"expiresAt": cred.ExpiresAt,
	})
	account := cred.Account
	return &account, nil
}

// SignOut clears every session key and the state derived from the session.
// The provider's own session survives unless provider logout is enabled and
// the driver supports it.
func (f *Facade) SignOut(ctx context.Context) error {
	clearErr := f.store.ClearSession(ctx)

	var logoutErr error
	if l, ok := f.driver.(flow.Logouter); ok && f.providerLogout {
		if err := l.Logout(ctx); err != nil {
			log.LogWarnWithFields("session", "Provider logout failed", map[string]any{
				"flow":  f.driver.Name(),
				"error": err.Error(),
			})
			logoutErr = fmt.Errorf("provider logout: %w", err)
		}
	}

	log.LogInfoWithFields("session", "Signed out", map[string]any{
		"flow": f.driver.Name(),
	})
	return errors.Join(clearErr, logoutErr)
}
