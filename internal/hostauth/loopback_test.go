package hostauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/flow/extension"
	"github.com/dgellow/fieldcapture-auth/internal/flow/native"
	"github.com/dgellow/fieldcapture-auth/internal/flow/webredirect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ native.CallbackSource   = (*Loopback)(nil)
	_ native.Browser          = SystemBrowser{}
	_ extension.Launcher      = (*Loopback)(nil)
	_ webredirect.Navigator   = SystemBrowser{}
	_ webredirect.FrameLoader = (*Loopback)(nil)
)

type openerFunc func(ctx context.Context, u string) error

func (f openerFunc) Open(ctx context.Context, u string) error { return f(ctx, u) }

func startLoopback(t *testing.T, opener Opener, timeout time.Duration) *Loopback {
	t.Helper()
	l := NewLoopback("127.0.0.1:0", opener, timeout)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLoopback_CallbackDeliversURL(t *testing.T) {
	l := startLoopback(t, nil, 0)

	got := make(chan *url.URL, 1)
	stop, err := l.Listen(func(u *url.URL) { got <- u })
	require.NoError(t, err)

	resp, err := http.Get(l.BaseURL() + CallbackPath + "?code=abc&state=xyz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Signed in")

	select {
	case u := <-got:
		assert.Equal(t, "abc", u.Query().Get("code"))
		assert.Equal(t, "xyz", u.Query().Get("state"))
		assert.Equal(t, CallbackPath, u.Path)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	stop()
	_, err = http.Get(l.BaseURL() + CallbackPath)
	assert.Error(t, err)
}

func TestLoopback_CallbackWithoutListener(t *testing.T) {
	l := startLoopback(t, nil, 0)

	resp, err := http.Get(l.BaseURL() + CallbackPath + "?code=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoopback_CallbackErrorPage(t *testing.T) {
	l := startLoopback(t, nil, 0)
	_, err := l.Listen(func(*url.URL) {})
	require.NoError(t, err)

	resp, err := http.Get(l.BaseURL() + CallbackPath + "?error=%3Cscript%3E")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Contains(t, string(body), "Sign-in failed")
	assert.NotContains(t, string(body), "<script>")
}

func TestLoopback_LaunchWebAuthFlow(t *testing.T) {
	var l *Loopback
	var opened string
	opener := openerFunc(func(_ context.Context, u string) error {
		opened = u
		base := l.BaseURL()
		go func() {
			// What the relay page's script does in a real browser.
			resp, err := http.Post(base+relaySubmit, "text/plain", strings.NewReader("access_token=tok&state=s1"))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	})
	l = startLoopback(t, opener, time.Second)

	redirect, err := l.LaunchWebAuthFlow(context.Background(), "https://idp.example.com/authorize?state=s1", true)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/authorize?state=s1", opened)
	assert.Equal(t, l.BaseURL()+RelayPath+"#access_token=tok&state=s1", redirect)
}

func TestLoopback_LaunchWebAuthFlowNonInteractive(t *testing.T) {
	l := NewLoopback("127.0.0.1:0", openerFunc(func(context.Context, string) error {
		t.Fatal("must not open a browser")
		return nil
	}), time.Second)
	defer l.Close()

	_, err := l.LaunchWebAuthFlow(context.Background(), "https://idp.example.com/authorize", false)
	assert.ErrorIs(t, err, ErrInteractionRequired)
}

func TestLoopback_LaunchWebAuthFlowTimeout(t *testing.T) {
	l := startLoopback(t, openerFunc(func(context.Context, string) error { return nil }), 20*time.Millisecond)

	_, err := l.LaunchWebAuthFlow(context.Background(), "https://idp.example.com/authorize", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no redirect within")
}

func TestLoopback_LaunchWebAuthFlowCancelled(t *testing.T) {
	l := startLoopback(t, openerFunc(func(context.Context, string) error { return nil }), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.LaunchWebAuthFlow(ctx, "https://idp.example.com/authorize", true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopback_RelayPage(t *testing.T) {
	l := startLoopback(t, nil, 0)

	resp, err := http.Get(l.BaseURL() + RelayPath)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Contains(t, string(body), "window.location.hash")
	assert.Contains(t, string(body), "fragment")
}

func TestLoopback_FragmentWithoutWaiter(t *testing.T) {
	l := startLoopback(t, nil, 0)

	post := func() int {
		resp, err := http.Post(l.BaseURL()+relaySubmit, "text/plain", strings.NewReader("a=b"))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, post())
	assert.Equal(t, http.StatusConflict, post())
}

func TestLoopback_LoadHiddenNeedsInteraction(t *testing.T) {
	l := NewLoopback("", nil, 0)
	_, err := l.LoadHidden(context.Background(), "https://idp.example.com/authorize?prompt=none")
	assert.ErrorIs(t, err, ErrInteractionRequired)
}
