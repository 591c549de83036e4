// Package webredirect signs in the single-page dashboard with a full-page
// redirect to the identity provider and back to the same origin.
package webredirect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

const name = "web"

// DefaultPendingTTL bounds how long a redirect may take to come back.
const DefaultPendingTTL = 10 * time.Minute

// ErrNonceMismatch is returned when the identity token was not minted for
// the request this page started.
var ErrNonceMismatch = errors.New("id_token nonce mismatch")

// Navigator replaces the current page with url.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// FrameLoader loads url in a hidden frame and returns the URL the frame
// ended on once the provider redirected it back.
type FrameLoader interface {
	LoadHidden(ctx context.Context, url string) (string, error)
}

// Ensure Driver implements the flow capabilities
var (
	_ flow.Driver            = (*Driver)(nil)
	_ flow.Logouter          = (*Driver)(nil)
	_ flow.RedirectCompleter = (*Driver)(nil)
)

// Driver is the web redirect flow. One Driver lives for one page load.
type Driver struct {
	provider   flow.Provider
	store      *storage.Store
	navigator  Navigator
	frames     FrameLoader
	pendingTTL time.Duration

	boot sync.Once

	// Silent attempts never leave the page, so their nonces stay in memory
	// and are redeemed exactly once.
	noncesOnce sync.Once
	nonces     nonceutil.NonceService
	noncesErr  error
}

// Option configures a Driver.
type Option func(*Driver)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(ttl time.Duration) Option {
	return func(d *Driver) {
		d.pendingTTL = ttl
	}
}

// New creates a web redirect driver. frames may be nil, in which case silent
// attempts always return nil.
func New(provider flow.Provider, store *storage.Store, navigator Navigator, frames FrameLoader, opts ...Option) *Driver {
	d := &Driver{
		provider:   provider,
		store:      store,
		navigator:  navigator,
		frames:     frames,
		pendingTTL: DefaultPendingTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return name }

// InteractiveSignIn stores the attempt and navigates away. It returns
// flow.ErrRedirectStarted on success: the credential arrives through
// CompleteRedirect on the next page load.
func (d *Driver) InteractiveSignIn(ctx context.Context) (*storage.Credential, error) {
	state, nonce, err := newStateAndNonce()
	if err != nil {
		return nil, flow.Failed(name, err)
	}
	if err := d.store.SavePending(ctx, storage.PendingRedirect, storage.PendingAuth{State: state, Nonce: nonce}); err != nil {
		return nil, flow.Failed(name, err)
	}

	authURL := flow.ImplicitAuthURL(d.provider.OAuth2Config(), flow.AuthRequest{
		ResponseType: flow.ResponseTokenIDToken,
		State:        state,
		Nonce:        nonce,
	})
	if err := d.navigator.Navigate(ctx, authURL); err != nil {
		_ = d.store.ClearPending(ctx, storage.PendingRedirect)
		return nil, flow.Failed(name, fmt.Errorf("navigating to provider: %w", err))
	}

	log.LogDebugWithFields("flow", "Redirecting to identity provider", map[string]any{
		"flow": name,
	})
	return nil, flow.ErrRedirectStarted
}

// CompleteRedirect inspects the URL the page booted on. Only the first call
// per Driver does any work; later calls return nil, nil. A URL that is not a
// provider response also returns nil, nil.
func (d *Driver) CompleteRedirect(ctx context.Context, currentURL string) (*storage.Credential, error) {
	var (
		cred *storage.Credential
		err  error
	)
	d.boot.Do(func() {
		cred, err = d.complete(ctx, currentURL)
	})
	return cred, err
}

func (d *Driver) complete(ctx context.Context, currentURL string) (*storage.Credential, error) {
	if !flow.IsAuthResponse(currentURL) {
		return nil, nil
	}

	res, err := flow.ParseFragment(currentURL)
	if err != nil {
		_ = d.store.ClearPending(ctx, storage.PendingRedirect)
		return nil, flow.Failed(name, err)
	}

	// Consumed before anything else so a failed return cannot be replayed.
	pending, pendingErr := d.store.TakePending(ctx, storage.PendingRedirect, res.State, d.pendingTTL)
	if res.Err != nil {
		return nil, flow.Failed(name, res.Err)
	}
	if pendingErr != nil {
		log.LogWarnWithFields("flow", "Rejected redirect return", map[string]any{
			"error": pendingErr.Error(),
		})
		return nil, flow.Failed(name, pendingErr)
	}
	if err := checkNonce(res.IDToken, pending.Nonce); err != nil {
		return nil, flow.Failed(name, err)
	}

	cred, err := d.credential(ctx, res)
	if err != nil {
		return nil, flow.Failed(name, err)
	}
	log.LogInfoWithFields("flow", "Completed redirect sign-in", map[string]any{
		"flow":        name,
		"fingerprint": token.Fingerprint(cred.AccessToken),
	})
	return cred, nil
}

// SilentAttempt repeats the request in a hidden frame with prompt=none.
func (d *Driver) SilentAttempt(ctx context.Context) *storage.Credential {
	if d.frames == nil {
		return nil
	}
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil
	}
	nonce, err := d.silentNonce()
	if err != nil {
		log.LogWarnWithFields("flow", "Failed to issue silent nonce", map[string]any{"error": err.Error()})
		return nil
	}

	authURL := flow.ImplicitAuthURL(d.provider.OAuth2Config(), flow.AuthRequest{
		ResponseType: flow.ResponseTokenIDToken,
		State:        state,
		Nonce:        nonce,
		Silent:       true,
	})
	final, err := d.frames.LoadHidden(ctx, authURL)
	redeemed := d.nonces.Redeem(nonce)
	if err != nil {
		log.LogDebugWithFields("flow", "Hidden frame failed", map[string]any{"error": err.Error()})
		return nil
	}

	res, err := flow.ParseFragment(final)
	if err != nil || res.Err != nil || res.State != state {
		log.LogDebugWithFields("flow", "Silent redirect returned no token", map[string]any{
			"providerError": providerCode(res),
		})
		return nil
	}
	if !redeemed {
		log.LogDebugWithFields("flow", "Silent nonce expired before the frame returned", nil)
		return nil
	}
	if err := checkNonce(res.IDToken, nonce); err != nil {
		return nil
	}

	cred, err := d.credential(ctx, res)
	if err != nil {
		return nil
	}
	return cred
}

func (d *Driver) silentNonce() (string, error) {
	d.noncesOnce.Do(func() {
		d.nonces = nonceutil.NewNonceService()
		d.noncesErr = d.nonces.Initialize()
	})
	if d.noncesErr != nil {
		return "", fmt.Errorf("initializing nonce service: %w", d.noncesErr)
	}
	nonce, _, err := d.nonces.Get()
	if err != nil {
		return "", fmt.Errorf("issuing nonce: %w", err)
	}
	return nonce, nil
}

// Logout navigates to the provider's end-session endpoint.
func (d *Driver) Logout(ctx context.Context) error {
	cfg := d.provider.OAuth2Config()
	logoutURL := d.provider.LogoutURL(cfg.RedirectURL)
	if logoutURL == "" {
		return nil
	}
	return d.navigator.Navigate(ctx, logoutURL)
}

func (d *Driver) credential(ctx context.Context, res *flow.FragmentResult) (*storage.Credential, error) {
	var fallback time.Time
	if res.ExpiresIn > 0 {
		fallback = time.Now().Add(res.ExpiresIn)
	}
	return flow.NewCredential(ctx, d.provider, res.AccessToken, res.IDToken, "", fallback)
}

// checkNonce binds the identity token to the request that issued want. A
// request sent with a nonce asks for "token id_token", so a return without an
// id_token cannot be bound and is rejected.
func checkNonce(idToken, want string) error {
	if want == "" {
		return nil
	}
	if idToken == "" {
		return ErrNonceMismatch
	}
	claims := token.DecodeClaims(idToken)
	if claims == nil {
		return ErrNonceMismatch
	}
	got, _ := claims.Raw["nonce"].(string)
	if got != want {
		return ErrNonceMismatch
	}
	return nil
}

func newStateAndNonce() (string, string, error) {
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", "", fmt.Errorf("generating state: %w", err)
	}
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	return state, nonce, nil
}

func providerCode(res *flow.FragmentResult) string {
	if res == nil || res.Err == nil {
		return ""
	}
	return res.Err.Code
}
