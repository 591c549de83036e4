// Package extension signs in through the host platform's web-auth launcher.
// The provider returns the bearer token directly in the redirect fragment;
// there is no code exchange and no refresh token.
package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
)

const name = "extension"

// Launcher opens an authorization URL in the host's auth UI and returns the
// URL the provider finally redirected to. When interactive is false the host
// must not show any window.
type Launcher interface {
	LaunchWebAuthFlow(ctx context.Context, authURL string, interactive bool) (string, error)
}

// Ensure Driver implements the flow capabilities
var (
	_ flow.Driver   = (*Driver)(nil)
	_ flow.Logouter = (*Driver)(nil)
)

// Driver is the extension flow.
type Driver struct {
	provider flow.Provider
	launcher Launcher
}

// New creates an extension driver.
func New(provider flow.Provider, launcher Launcher) *Driver {
	return &Driver{provider: provider, launcher: launcher}
}

func (d *Driver) Name() string { return name }

// InteractiveSignIn opens the launcher with a visible prompt.
func (d *Driver) InteractiveSignIn(ctx context.Context) (*storage.Credential, error) {
	cred, err := d.acquire(ctx, true)
	if err != nil {
		log.LogInfoWithFields("flow", "Extension sign-in failed", map[string]any{
			"error": err.Error(),
		})
		return nil, flow.Failed(name, err)
	}
	return cred, nil
}

// SilentAttempt reissues the request with prompt=none.
func (d *Driver) SilentAttempt(ctx context.Context) *storage.Credential {
	cred, err := d.acquire(ctx, false)
	if err != nil {
		log.LogDebugWithFields("flow", "Extension silent attempt returned no token", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return cred
}

// Logout runs the provider's end-session URL through the launcher without a
// window. Providers that never redirect back surface as an error here.
func (d *Driver) Logout(ctx context.Context) error {
	cfg := d.provider.OAuth2Config()
	logoutURL := d.provider.LogoutURL(cfg.RedirectURL)
	if logoutURL == "" {
		return nil
	}
	if _, err := d.launcher.LaunchWebAuthFlow(ctx, logoutURL, false); err != nil {
		return fmt.Errorf("provider logout: %w", err)
	}
	return nil
}

func (d *Driver) acquire(ctx context.Context, interactive bool) (*storage.Credential, error) {
	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	authURL := flow.ImplicitAuthURL(d.provider.OAuth2Config(), flow.AuthRequest{
		ResponseType: flow.ResponseToken,
		State:        state,
		Silent:       !interactive,
	})

	redirect, err := d.launcher.LaunchWebAuthFlow(ctx, authURL, interactive)
	if err != nil {
		return nil, fmt.Errorf("%w: launcher: %w", flow.ErrNoToken, err)
	}
	if redirect == "" {
		return nil, fmt.Errorf("%w: no redirect URL returned", flow.ErrNoToken)
	}

	res, err := flow.ParseFragment(redirect)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", flow.ErrNoToken, err)
	}
	if res.Err != nil {
		return nil, fmt.Errorf("%w: %w", flow.ErrNoToken, res.Err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: fragment has no access_token", flow.ErrNoToken)
	}
	if res.State != state {
		return nil, fmt.Errorf("%w: %w", flow.ErrNoToken, storage.ErrStateMismatch)
	}

	var fallback time.Time
	if res.ExpiresIn > 0 {
		fallback = time.Now().Add(res.ExpiresIn)
	}
	cred, err := flow.NewCredential(ctx, d.provider, res.AccessToken, res.IDToken, "", fallback)
	if err != nil {
		return nil, err
	}

	log.LogDebugWithFields("flow", "Extension flow obtained token", map[string]any{
		"interactive": interactive,
		"fingerprint": token.Fingerprint(cred.AccessToken),
		"expiresAt":   cred.ExpiresAt,
	})
	return cred, nil
}
