package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dgellow/fieldcapture-auth/internal/apiclient"
	"github.com/dgellow/fieldcapture-auth/internal/bus"
	"github.com/dgellow/fieldcapture-auth/internal/config"
	"github.com/dgellow/fieldcapture-auth/internal/crypto"
	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/flow/extension"
	"github.com/dgellow/fieldcapture-auth/internal/flow/native"
	"github.com/dgellow/fieldcapture-auth/internal/flow/webredirect"
	"github.com/dgellow/fieldcapture-auth/internal/hostauth"
	"github.com/dgellow/fieldcapture-auth/internal/idp"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/poller"
	"github.com/dgellow/fieldcapture-auth/internal/refresh"
	"github.com/dgellow/fieldcapture-auth/internal/session"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
)

// App is the wired authentication subsystem for one execution context.
type App struct {
	config   config.Config
	kv       storage.KV
	store    *storage.Store
	driver   flow.Driver
	loopback *hostauth.Loopback
	facade   *session.Facade
	bus      *bus.Bus
	api      *apiclient.Client
	poller   *poller.Poller

	closers []func() error
}

// Option configures an App.
type Option func(*options)

type options struct {
	badge      poller.Badge
	httpClient *http.Client
	kv         storage.KV
}

// WithBadge sets where the presence badge is shown. Defaults to stderr.
func WithBadge(b poller.Badge) Option {
	return func(o *options) {
		o.badge = b
	}
}

// WithHTTPClient sets the client used for provider and backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithKV uses kv instead of the configured storage backend.
func WithKV(kv storage.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// NewApp builds every component and selects the flow driver for
// cfg.Surface. Nothing past this point branches on the surface.
func NewApp(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{badge: &poller.WriterBadge{W: os.Stderr}}
	for _, opt := range opts {
		opt(&o)
	}

	log.LogInfoWithFields("app", "Building authentication subsystem", map[string]any{
		"surface": cfg.Surface,
		"storage": cfg.Storage.Kind,
	})

	app := &App{config: cfg, bus: bus.New()}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = setupStorage(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to setup storage: %w", err)
		}
	}
	app.kv = kv
	app.store = storage.NewStore(kv)
	app.closers = append(app.closers, kv.Close)
	app.closers = append(app.closers, closeFunc(bus.BridgeStorage(app.bus, kv)).close)

	app.loopback = hostauth.NewLoopback(cfg.LoopbackAddr, hostauth.SystemBrowser{}, cfg.CallbackTimeout)
	app.closers = append(app.closers, app.loopback.Close)

	redirect, err := redirectURI(cfg, app.loopback)
	if err != nil {
		app.Close()
		return nil, err
	}

	provider, err := idp.NewProvider(ctx, idp.Config{
		DiscoveryURL:     cfg.Identity.DiscoveryURL,
		AuthorizationURL: cfg.Identity.AuthorizationURL,
		TokenURL:         cfg.Identity.TokenURL,
		UserInfoURL:      cfg.Identity.UserInfoURL,
		EndSessionURL:    cfg.Identity.EndSessionURL,
		ClientID:         cfg.Identity.ClientID,
		RedirectURI:      redirect,
		Scopes:           cfg.Identity.Scopes,
	}, o.httpClient)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	app.driver, err = buildDriver(cfg, provider, app.store, app.loopback)
	if err != nil {
		app.Close()
		return nil, err
	}
	if c, ok := app.driver.(io.Closer); ok {
		app.closers = append(app.closers, c.Close)
	}

	coordinator := refresh.NewCoordinator(app.driver, app.store)
	app.facade = session.NewFacade(app.driver, app.store, coordinator,
		session.WithExpiryBuffer(cfg.ExpiryBuffer),
		session.WithProviderLogout(cfg.Identity.ProviderLogout),
	)

	backendClient := o.httpClient
	if backendClient == nil {
		backendClient = &http.Client{Timeout: cfg.Backend.Timeout}
	}
	app.api, err = apiclient.New(cfg.Backend.BaseURL, app.facade, coordinator,
		apiclient.WithHTTPClient(backendClient),
		apiclient.WithRateLimit(cfg.Backend.RateLimit),
		apiclient.WithSessionExpiredHook(app.sessionExpired),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to setup backend client: %w", err)
	}

	alarm := poller.NewDurableAlarm(kv, poller.AlarmName)
	app.poller = poller.New(app.facade, backgroundUnread{app.api}, app.store, o.badge, alarm,
		poller.WithPeriod(cfg.Poller.Period),
		poller.WithBus(app.bus),
	)

	unregister, err := app.bus.Handle(bus.TopicRefreshSignal, app.answerRefresh)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeFunc(unregister).close)

	log.LogInfoWithFields("app", "Authentication subsystem ready", map[string]any{
		"flow":        app.driver.Name(),
		"redirectUri": redirect,
	})
	return app, nil
}

// backgroundUnread serves the poller. A wake-up that finds the session gone
// only clears the badge; it never raises the session expired notice.
type backgroundUnread struct {
	api *apiclient.Client
}

func (b backgroundUnread) UnreadCount(ctx context.Context) (int, error) {
	return b.api.UnreadCount(apiclient.Background(ctx))
}

type closeFunc func()

func (f closeFunc) close() error {
	f()
	return nil
}

func setupStorage(ctx context.Context, cfg config.Config) (storage.KV, error) {
	var encryptor crypto.Encryptor = crypto.NoopEncryptor{}
	if cfg.Storage.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor([]byte(cfg.Storage.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		encryptor = enc
	}

	switch cfg.Storage.Kind {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.Storage.GCPProject,
			"database":   cfg.Storage.FirestoreDatabase,
			"collection": cfg.Storage.FirestoreCollection,
			"namespace":  cfg.Storage.Namespace,
		})
		kv, err := storage.NewFirestoreKV(ctx, cfg.Storage.GCPProject, cfg.Storage.FirestoreDatabase,
			cfg.Storage.FirestoreCollection, cfg.Storage.Namespace, encryptor)
		if err != nil {
			return nil, err
		}
		return kv, nil
	case config.StorageSQLite:
		log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{
			"path":      cfg.Storage.Path,
			"namespace": cfg.Storage.Namespace,
		})
		kv, err := storage.OpenSQLiteKV(cfg.Storage.Path, cfg.Storage.Namespace, encryptor)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		log.LogInfoWithFields("storage", "Using in-memory storage", nil)
		return storage.NewMemoryKV(), nil
	}
}

// redirectURI returns the configured redirect, or the loopback route that
// stands in for the host's own redirect target.
func redirectURI(cfg config.Config, lb *hostauth.Loopback) (string, error) {
	if cfg.Identity.RedirectURI != "" {
		return cfg.Identity.RedirectURI, nil
	}

	var path string
	switch cfg.Surface {
	case config.SurfaceExtension:
		path = hostauth.RelayPath
	case config.SurfaceNative:
		path = hostauth.CallbackPath
	default:
		return "", fmt.Errorf("identity.redirectUri is required for the %s surface", cfg.Surface)
	}

	// An ephemeral port is only known once bound.
	if strings.HasSuffix(cfg.LoopbackAddr, ":0") {
		if err := lb.Start(); err != nil {
			return "", err
		}
		return lb.BaseURL() + path, nil
	}
	return "http://" + cfg.LoopbackAddr + path, nil
}

func buildDriver(cfg config.Config, provider *idp.Provider, store *storage.Store, lb *hostauth.Loopback) (flow.Driver, error) {
	switch cfg.Surface {
	case config.SurfaceExtension:
		return extension.New(provider, lb), nil
	case config.SurfaceWeb:
		return webredirect.New(provider, store, hostauth.SystemBrowser{}, lb,
			webredirect.WithPendingTTL(cfg.CallbackTimeout)), nil
	case config.SurfaceNative:
		return native.New(provider, store, hostauth.SystemBrowser{}, lb,
			native.WithCallbackTimeout(cfg.CallbackTimeout)), nil
	default:
		return nil, fmt.Errorf("unknown surface %q", cfg.Surface)
	}
}

func (a *App) sessionExpired(ctx context.Context) {
	if err := a.store.MarkSessionExpired(ctx); err != nil {
		log.LogWarnWithFields("app", "Failed to record session expiry", map[string]any{
			"error": err.Error(),
		})
	}
	a.bus.Publish(ctx, bus.TopicSessionExpired, nil)
}

// answerRefresh polls now and replies with the cached unread count, or nil
// when there is none.
func (a *App) answerRefresh(ctx context.Context, _ bus.Message) (any, error) {
	a.poller.PollOnce(ctx)
	if n, ok := a.store.LoadUnreadCount(ctx); ok {
		return n, nil
	}
	return nil, nil
}

// Facade is the session entry point.
func (a *App) Facade() *session.Facade { return a.facade }

// API is the backend client.
func (a *App) API() *apiclient.Client { return a.api }

// Bus is the process message bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Poller is the background presence poller.
func (a *App) Poller() *poller.Poller { return a.poller }

// RefreshUnread asks the refresh-signal responder to poll and returns the
// resulting count.
func (a *App) RefreshUnread(ctx context.Context) (int, bool, error) {
	reply, err := a.bus.Request(ctx, bus.TopicRefreshSignal, nil)
	if err != nil {
		return 0, false, err
	}
	n, ok := reply.(int)
	return n, ok, nil
}

// Run keeps the background pieces going until ctx is done: the presence
// poller and, for Firestore, the watch that reports writes from other
// execution contexts.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	running := 1

	if fs, ok := a.kv.(*storage.FirestoreKV); ok {
		running++
		go func() {
			if err := fs.Watch(ctx); err != nil {
				errChan <- fmt.Errorf("storage watch: %w", err)
				return
			}
			errChan <- nil
		}()
	}

	go func() {
		if err := a.poller.Run(ctx); err != nil {
			errChan <- fmt.Errorf("poller: %w", err)
			return
		}
		errChan <- nil
	}()

	var firstErr error
	for range running {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
			log.LogErrorWithFields("app", "Background task failed, shutting down", map[string]any{
				"error": err.Error(),
			})
			cancel()
		}
	}
	return firstErr
}

// Close releases listeners, the driver and storage in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
