// Package hostauth provides the host-side pieces the command line shell needs
// to run the sign-in flows: the system browser and a loopback HTTP listener
// standing in for the OS URL-scheme router and the extension's auth launcher.
package hostauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/log"
)

const (
	CallbackPath = "/callback"
	RelayPath    = "/relay"
	relaySubmit  = "/relay/fragment"
)

// ErrInteractionRequired is returned for non-interactive launches: a
// terminal has no hidden window to run them in.
var ErrInteractionRequired = errors.New("interaction required")

// Opener shows a URL to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Loopback listens on a loopback address for provider redirects.
type Loopback struct {
	addr    string
	opener  Opener
	timeout time.Duration

	mu        sync.Mutex
	server    *http.Server
	baseURL   string
	handler   func(*url.URL)
	fragments chan string
}

// NewLoopback creates a listener for addr (host:port; port 0 picks one).
// timeout bounds LaunchWebAuthFlow.
func NewLoopback(addr string, opener Opener, timeout time.Duration) *Loopback {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &Loopback{
		addr:      addr,
		opener:    opener,
		timeout:   timeout,
		fragments: make(chan string, 1),
	}
}

// Start binds the listener. It is a no-op when already started.
func (l *Loopback) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+CallbackPath, l.handleCallback)
	mux.HandleFunc("GET "+RelayPath, l.handleRelay)
	mux.HandleFunc("POST "+relaySubmit, l.handleFragment)

	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	l.baseURL = "http://" + ln.Addr().String()

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogErrorWithFields("hostauth", "Loopback server stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}(l.server)

	log.LogDebugWithFields("hostauth", "Loopback listener started", map[string]any{
		"url": l.baseURL,
	})
	return nil
}

// BaseURL is the listener's origin, empty before Start.
func (l *Loopback) BaseURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseURL
}

// Close stops the listener.
func (l *Loopback) Close() error {
	l.mu.Lock()
	srv := l.server
	l.server = nil
	l.handler = nil
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Listen delivers every request to CallbackPath to handler.
func (l *Loopback) Listen(handler func(*url.URL)) (func(), error) {
	if err := l.Start(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()

	return func() {
		if err := l.Close(); err != nil {
			log.LogWarnWithFields("hostauth", "Failed to stop loopback listener", map[string]any{
				"error": err.Error(),
			})
		}
	}, nil
}

// LaunchWebAuthFlow opens authURL and waits for the provider to redirect to
// RelayPath. The relay page posts the fragment back, since browsers never
// send it to the server.
func (l *Loopback) LaunchWebAuthFlow(ctx context.Context, authURL string, interactive bool) (string, error) {
	if !interactive {
		return "", ErrInteractionRequired
	}
	if err := l.Start(); err != nil {
		return "", err
	}

	// Discard a fragment left by an abandoned launch.
	select {
	case <-l.fragments:
	default:
	}

	if err := l.opener.Open(ctx, authURL); err != nil {
		return "", err
	}

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case fragment := <-l.fragments:
		return l.BaseURL() + RelayPath + "#" + fragment, nil
	case <-timeout:
		return "", fmt.Errorf("no redirect within %s", l.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LoadHidden always fails: a terminal cannot load a page out of sight.
func (l *Loopback) LoadHidden(context.Context, string) (string, error) {
	return "", ErrInteractionRequired
}

func (l *Loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	handler := l.handler
	base := l.baseURL
	l.mu.Unlock()

	if handler == nil {
		renderCallback(w, http.StatusNotFound, callbackPageData{
			Title:   "No sign-in in progress",
			Message: "Start the sign-in again from the terminal.",
		})
		return
	}

	u, err := url.Parse(base + r.URL.RequestURI())
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	handler(u)

	data := callbackPageData{
		Title:   "Signed in",
		Message: "You can close this window and return to the terminal.",
	}
	if code := r.URL.Query().Get("error"); code != "" {
		data.Title = "Sign-in failed"
		data.Error = code
	}
	renderCallback(w, http.StatusOK, data)
}

func (l *Loopback) handleRelay(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := relayPage.Execute(w, relayPageData{SubmitPath: relaySubmit}); err != nil {
		log.LogErrorWithFields("hostauth", "Failed to render relay page", map[string]any{
			"error": err.Error(),
		})
	}
}

func (l *Loopback) handleFragment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	select {
	case l.fragments <- string(body):
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "No sign-in waiting", http.StatusConflict)
	}
}

func renderCallback(w http.ResponseWriter, status int, data callbackPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, data); err != nil {
		log.LogErrorWithFields("hostauth", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
}
