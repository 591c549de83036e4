package webredirect

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/idp"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appURL = "https://dashboard.example.com/"

type recordingNavigator struct {
	urls []string
	err  error
}

func (n *recordingNavigator) Navigate(_ context.Context, u string) error {
	n.urls = append(n.urls, u)
	return n.err
}

type frameFunc func(ctx context.Context, u string) (string, error)

func (f frameFunc) LoadHidden(ctx context.Context, u string) (string, error) {
	return f(ctx, u)
}

func testProvider(t *testing.T) *idp.Provider {
	t.Helper()
	p, err := idp.NewProvider(context.Background(), idp.Config{
		AuthorizationURL: "https://idp.example.com/authorize",
		TokenURL:         "https://idp.example.com/token",
		EndSessionURL:    "https://idp.example.com/logout",
		ClientID:         "spa-client",
		RedirectURI:      appURL,
	}, nil)
	require.NoError(t, err)
	return p
}

// providerReturn builds the URL the provider would send the browser back to
// for the authorization request authURL.
func providerReturn(t *testing.T, authURL, accessToken string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()

	idToken := testutil.UnsignedToken(t, jwt.MapClaims{
		"name":  "Ana Field",
		"email": "ana@example.org",
		"nonce": q.Get("nonce"),
	})
	frag := url.Values{
		"access_token": {accessToken},
		"id_token":     {idToken},
		"token_type":   {"Bearer"},
		"state":        {q.Get("state")},
	}
	return q.Get("redirect_uri") + "#" + frag.Encode()
}

func TestDriver_RedirectRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	// First page load starts the sign-in.
	cred, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	assert.Nil(t, cred)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)
	require.Len(t, nav.urls, 1)
	assert.True(t, store.HasPending(ctx, storage.PendingRedirect))

	authURL, err := url.Parse(nav.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "token id_token", authURL.Query().Get("response_type"))
	assert.NotEmpty(t, authURL.Query().Get("nonce"))

	// The provider sends the browser back; a new page load boots.
	access := testutil.TokenExpiringIn(t, time.Hour)
	returnURL := providerReturn(t, nav.urls[0], access)

	d := New(provider, store, nav, nil)
	cred, err = d.CompleteRedirect(ctx, returnURL)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, access, cred.AccessToken)
	assert.Equal(t, "Ana Field", cred.Account.DisplayName)
	assert.False(t, store.HasPending(ctx, storage.PendingRedirect))

	// The hook runs once per page load.
	cred, err = d.CompleteRedirect(ctx, returnURL)
	assert.NoError(t, err)
	assert.Nil(t, cred)
}

func TestDriver_OrdinaryReload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())

	d := New(testProvider(t), store, &recordingNavigator{}, nil)
	cred, err := d.CompleteRedirect(ctx, appURL+"#/submissions")
	assert.NoError(t, err)
	assert.Nil(t, cred)
}

func TestDriver_RejectsForeignState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	_, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)

	access := testutil.TokenExpiringIn(t, time.Hour)
	forged := appURL + "#access_token=" + access + "&state=attacker"

	cred, err := New(provider, store, nav, nil).CompleteRedirect(ctx, forged)
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, storage.ErrStateMismatch)
	assert.False(t, store.HasPending(ctx, storage.PendingRedirect))
}

func TestDriver_RejectsReplayedNonce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	_, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)

	authURL, err := url.Parse(nav.urls[0])
	require.NoError(t, err)
	idToken := testutil.UnsignedToken(t, jwt.MapClaims{"nonce": "from-another-request"})
	frag := url.Values{
		"access_token": {testutil.TokenExpiringIn(t, time.Hour)},
		"id_token":     {idToken},
		"state":        {authURL.Query().Get("state")},
	}

	_, err = New(provider, store, nav, nil).CompleteRedirect(ctx, appURL+"#"+frag.Encode())
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestDriver_RejectsReturnWithoutIDToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	_, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)

	authURL, err := url.Parse(nav.urls[0])
	require.NoError(t, err)
	frag := url.Values{
		"access_token": {testutil.TokenExpiringIn(t, time.Hour)},
		"state":        {authURL.Query().Get("state")},
	}

	cred, err := New(provider, store, nav, nil).CompleteRedirect(ctx, appURL+"#"+frag.Encode())
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, ErrNonceMismatch)
	assert.Nil(t, store.LoadCredential(ctx))
}

func TestDriver_SilentAttemptWithoutIDToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	access := testutil.TokenExpiringIn(t, time.Hour)

	frames := frameFunc(func(_ context.Context, u string) (string, error) {
		parsed, err := url.Parse(u)
		require.NoError(t, err)
		frag := url.Values{
			"access_token": {access},
			"state":        {parsed.Query().Get("state")},
		}
		return appURL + "#" + frag.Encode(), nil
	})
	assert.Nil(t, New(testProvider(t), store, &recordingNavigator{}, frames).SilentAttempt(ctx))
}

func TestDriver_ProviderErrorOnReturn(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	_, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)

	_, err = New(provider, store, nav, nil).CompleteRedirect(ctx, appURL+"#error=access_denied&state=whatever")
	assert.ErrorIs(t, err, flow.ErrCancelled)
	assert.False(t, store.HasPending(ctx, storage.PendingRedirect))
}

func TestDriver_ExpiredAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	provider := testProvider(t)
	nav := &recordingNavigator{}

	_, err := New(provider, store, nav, nil).InteractiveSignIn(ctx)
	require.ErrorIs(t, err, flow.ErrRedirectStarted)

	returnURL := providerReturn(t, nav.urls[0], testutil.TokenExpiringIn(t, time.Hour))
	time.Sleep(2 * time.Millisecond)
	_, err = New(provider, store, nav, nil, WithPendingTTL(time.Nanosecond)).CompleteRedirect(ctx, returnURL)
	assert.ErrorIs(t, err, storage.ErrPendingExpired)
}

func TestDriver_NavigationFailureClearsAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	nav := &recordingNavigator{err: errors.New("blocked")}

	_, err := New(testProvider(t), store, nav, nil).InteractiveSignIn(ctx)
	var signInErr *flow.SignInError
	require.ErrorAs(t, err, &signInErr)
	assert.Equal(t, "web", signInErr.Flow)
	assert.False(t, store.HasPending(ctx, storage.PendingRedirect))
}

func TestDriver_SilentAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStore(storage.NewMemoryKV())
	access := testutil.TokenExpiringIn(t, time.Hour)

	t.Run("hidden frame returns a token", func(t *testing.T) {
		var loaded string
		frames := frameFunc(func(_ context.Context, u string) (string, error) {
			loaded = u
			return providerReturn(t, u, access), nil
		})

		cred := New(testProvider(t), store, &recordingNavigator{}, frames).SilentAttempt(ctx)
		require.NotNil(t, cred)
		assert.Equal(t, access, cred.AccessToken)

		parsed, err := url.Parse(loaded)
		require.NoError(t, err)
		assert.Equal(t, "none", parsed.Query().Get("prompt"))
	})

	t.Run("silent nonce is single use", func(t *testing.T) {
		var nonce string
		frames := frameFunc(func(_ context.Context, u string) (string, error) {
			parsed, err := url.Parse(u)
			require.NoError(t, err)
			nonce = parsed.Query().Get("nonce")
			return providerReturn(t, u, access), nil
		})

		d := New(testProvider(t), store, &recordingNavigator{}, frames)
		require.NotNil(t, d.SilentAttempt(ctx))
		require.NotEmpty(t, nonce)
		assert.False(t, d.nonces.Redeem(nonce))
	})

	t.Run("interaction required", func(t *testing.T) {
		frames := frameFunc(func(_ context.Context, u string) (string, error) {
			return appURL + "#error=login_required", nil
		})
		assert.Nil(t, New(testProvider(t), store, &recordingNavigator{}, frames).SilentAttempt(ctx))
	})

	t.Run("frame error", func(t *testing.T) {
		frames := frameFunc(func(context.Context, string) (string, error) {
			return "", errors.New("timed out")
		})
		assert.Nil(t, New(testProvider(t), store, &recordingNavigator{}, frames).SilentAttempt(ctx))
	})

	t.Run("no frame loader", func(t *testing.T) {
		assert.Nil(t, New(testProvider(t), store, &recordingNavigator{}, nil).SilentAttempt(ctx))
	})

	// Nothing is persisted by the driver itself.
	assert.Nil(t, store.LoadCredential(ctx))
}

func TestDriver_Logout(t *testing.T) {
	nav := &recordingNavigator{}
	require.NoError(t, New(testProvider(t), storage.NewStore(storage.NewMemoryKV()), nav, nil).Logout(context.Background()))

	require.Len(t, nav.urls, 1)
	u, err := url.Parse(nav.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "/logout", u.Path)
	assert.Equal(t, appURL, u.Query().Get("post_logout_redirect_uri"))
}
