// Package native signs in the mobile shell with the authorization code flow
// and PKCE. The provider opens in the system browser and the result comes
// back as a URL the OS routes to the app's registered scheme.
package native

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const name = "native"

// DefaultCallbackTimeout is how long a sign-in waits for the callback.
const DefaultCallbackTimeout = 5 * time.Minute

// Browser shows the provider's pages outside the app.
type Browser interface {
	Open(ctx context.Context, url string) error
	// Dismiss closes whatever Open showed. It must be safe to call when
	// nothing is open.
	Dismiss()
}

// CallbackSource delivers URLs routed to the app. handler may be called from
// any goroutine.
type CallbackSource interface {
	Listen(handler func(*url.URL)) (stop func(), err error)
}

// Ensure Driver implements flow.Driver
var _ flow.Driver = (*Driver)(nil)

type result struct {
	callback *url.URL
	err      error
}

// attempt is one in-flight interactive sign-in.
type attempt struct {
	id   string
	done chan result
}

func (a *attempt) resolve(r result) {
	select {
	case a.done <- r:
	default:
	}
}

// Driver is the native PKCE flow.
type Driver struct {
	provider  flow.Provider
	store     *storage.Store
	browser   Browser
	callbacks CallbackSource
	timeout   time.Duration

	mu      sync.Mutex
	stop    func()
	current *attempt
}

// Option configures a Driver.
type Option func(*Driver)

// WithCallbackTimeout overrides DefaultCallbackTimeout.
func WithCallbackTimeout(d time.Duration) Option {
	return func(drv *Driver) {
		if d > 0 {
			drv.timeout = d
		}
	}
}

// New creates a native driver. The callback listener is registered on the
// first interactive sign-in.
func New(provider flow.Provider, store *storage.Store, browser Browser, callbacks CallbackSource, opts ...Option) *Driver {
	d := &Driver{
		provider:  provider,
		store:     store,
		browser:   browser,
		callbacks: callbacks,
		timeout:   DefaultCallbackTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return name }

// Close unregisters the callback listener and rejects any pending attempt.
func (d *Driver) Close() error {
	d.mu.Lock()
	stop, current := d.stop, d.current
	d.stop, d.current = nil, nil
	d.mu.Unlock()

	if current != nil {
		current.resolve(result{err: flow.ErrCancelled})
	}
	if stop != nil {
		stop()
	}
	return nil
}

func (d *Driver) listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}
	stop, err := d.callbacks.Listen(d.onCallback)
	if err != nil {
		return fmt.Errorf("registering callback listener: %w", err)
	}
	d.stop = stop
	return nil
}

func (d *Driver) onCallback(u *url.URL) {
	d.browser.Dismiss()

	d.mu.Lock()
	a := d.current
	d.current = nil
	d.mu.Unlock()

	if a == nil {
		log.LogWarnWithFields("flow", "Ignoring callback with no sign-in in flight", map[string]any{
			"flow": name,
		})
		return
	}
	a.resolve(result{callback: u})
}

// begin registers a as the in-flight attempt, rejecting any earlier one.
func (d *Driver) begin(a *attempt) {
	d.mu.Lock()
	prev := d.current
	d.current = a
	d.mu.Unlock()

	if prev != nil {
		prev.resolve(result{err: flow.ErrSuperseded})
	}
}

// abandon forgets a if it is still in flight.
func (d *Driver) abandon(a *attempt) {
	d.mu.Lock()
	if d.current == a {
		d.current = nil
	}
	d.mu.Unlock()
}

// InteractiveSignIn opens the provider in the system browser and waits for
// the callback, the timeout or ctx, whichever comes first.
func (d *Driver) InteractiveSignIn(ctx context.Context) (*storage.Credential, error) {
	if err := d.listen(); err != nil {
		return nil, flow.Failed(name, err)
	}

	verifier := oauth2.GenerateVerifier()
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, flow.Failed(name, err)
	}
	if err := d.store.SavePending(ctx, storage.PendingPKCE, storage.PendingAuth{State: state, CodeVerifier: verifier}); err != nil {
		return nil, flow.Failed(name, err)
	}

	a := &attempt{id: uuid.NewString(), done: make(chan result, 1)}
	d.begin(a)

	cfg := d.provider.OAuth2Config()
	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	log.LogInfoWithFields("flow", "Opening system browser for sign-in", map[string]any{
		"flow":    name,
		"attempt": a.id,
	})
	if err := d.browser.Open(ctx, authURL); err != nil {
		d.abandon(a)
		_ = d.store.ClearPending(ctx, storage.PendingPKCE)
		return nil, flow.Failed(name, fmt.Errorf("opening browser: %w", err))
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-a.done:
		if r.err != nil {
			// A superseding attempt owns the stored state now.
			return nil, flow.Failed(name, r.err)
		}
		return d.finish(ctx, a, r.callback)
	case <-timer.C:
		d.giveUp(ctx, a)
		log.LogInfoWithFields("flow", "Sign-in callback timed out", map[string]any{
			"attempt": a.id,
			"timeout": d.timeout.String(),
		})
		return nil, flow.Failed(name, flow.ErrTimeout)
	case <-ctx.Done():
		d.giveUp(context.WithoutCancel(ctx), a)
		return nil, flow.Failed(name, ctx.Err())
	}
}

func (d *Driver) giveUp(ctx context.Context, a *attempt) {
	d.abandon(a)
	d.browser.Dismiss()
	if err := d.store.ClearPending(ctx, storage.PendingPKCE); err != nil {
		log.LogWarnWithFields("flow", "Failed to discard PKCE state", map[string]any{
			"error": err.Error(),
		})
	}
}

func (d *Driver) finish(ctx context.Context, a *attempt, callback *url.URL) (*storage.Credential, error) {
	q := callback.Query()

	pending, err := d.store.TakePending(ctx, storage.PendingPKCE, q.Get("state"), d.timeout)
	if code := q.Get("error"); code != "" {
		return nil, flow.Failed(name, &flow.ProviderError{Code: code, Description: q.Get("error_description")})
	}
	if err != nil {
		log.LogWarnWithFields("flow", "Rejected sign-in callback", map[string]any{
			"attempt": a.id,
			"error":   err.Error(),
		})
		return nil, flow.Failed(name, err)
	}
	code := q.Get("code")
	if code == "" {
		return nil, flow.Failed(name, fmt.Errorf("%w: callback has no authorization code", flow.ErrNoToken))
	}

	cfg := d.provider.OAuth2Config()
	tok, err := cfg.Exchange(d.provider.WithHTTPClient(ctx), code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		return nil, flow.Failed(name, fmt.Errorf("exchanging authorization code: %w", err))
	}

	idToken, _ := tok.Extra("id_token").(string)
	cred, err := flow.NewCredential(ctx, d.provider, tok.AccessToken, idToken, tok.RefreshToken, tok.Expiry)
	if err != nil {
		return nil, flow.Failed(name, err)
	}

	log.LogInfoWithFields("flow", "Native sign-in completed", map[string]any{
		"attempt":         a.id,
		"fingerprint":     token.Fingerprint(cred.AccessToken),
		"hasRefreshToken": cred.RefreshToken != "",
	})
	return cred, nil
}

// SilentAttempt exchanges the stored refresh token without any browser. A
// refresh token the provider rejects clears the whole session.
func (d *Driver) SilentAttempt(ctx context.Context) *storage.Credential {
	prev := d.store.LoadCredential(ctx)
	if prev == nil || prev.RefreshToken == "" {
		return nil
	}

	cfg := d.provider.OAuth2Config()
	src := cfg.TokenSource(d.provider.WithHTTPClient(ctx), &oauth2.Token{RefreshToken: prev.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if rejected(err) {
			log.LogWarnWithFields("flow", "Refresh token rejected, clearing session", map[string]any{
				"error": err.Error(),
			})
			if err := d.store.ClearSession(ctx); err != nil {
				log.LogErrorWithFields("flow", "Failed to clear session", map[string]any{
					"error": err.Error(),
				})
			}
			return nil
		}
		log.LogDebugWithFields("flow", "Refresh failed", map[string]any{"error": err.Error()})
		return nil
	}

	idToken, _ := tok.Extra("id_token").(string)
	cred, err := flow.RefreshedCredential(ctx, d.provider, prev, tok.AccessToken, idToken, tok.RefreshToken, tok.Expiry)
	if err != nil {
		log.LogDebugWithFields("flow", "Refreshed token unusable", map[string]any{"error": err.Error()})
		return nil
	}
	return cred
}

// rejected reports whether the token endpoint refused the grant itself, as
// opposed to being unreachable or failing.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
}
