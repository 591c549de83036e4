// Package apiclient calls the backend API with the session's bearer token.
// Every call follows the same rule: on 401, refresh once and retry once.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/ioutil"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"golang.org/x/time/rate"
)

// DefaultRateLimit is the request budget per second when none is configured.
const DefaultRateLimit = 5

// UnreadCountPath is the backend's presence endpoint.
const UnreadCountPath = "/api/notifications/unread-count"

var (
	// ErrReauthRequired means no token could be obtained without the user.
	ErrReauthRequired = errors.New("session expired, sign in again")

	// ErrUnauthorized means the backend rejected a freshly refreshed token.
	ErrUnauthorized = errors.New("unauthorized after refresh")
)

// RateLimitError is returned for 429 responses. They are never retried here.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// StatusError is an unexpected non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// TokenSource hands out the current usable token, "" when signed out.
type TokenSource interface {
	GetValidToken(ctx context.Context) string
}

// Refresher obtains a new token without the user, "" when it cannot.
type Refresher interface {
	Refresh(ctx context.Context) string
}

// RequestFunc builds a fresh request for every attempt, so bodies can be
// sent twice.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Client is a backend API client.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	tokens    TokenSource
	refresher Refresher
	onExpired func(ctx context.Context)
	limiter   *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit caps backend requests per second.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithSessionExpiredHook is called whenever a call ends in ErrReauthRequired.
func WithSessionExpiredHook(fn func(ctx context.Context)) Option {
	return func(c *Client) {
		c.onExpired = fn
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, tokens TokenSource, refresher Refresher, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: 30 * time.Second},
		tokens:    tokens,
		refresher: refresher,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL resolves path against the backend base URL.
func (c *Client) URL(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// Do sends the request newReq builds with a bearer token. On 401 it refreshes
// once and retries once; a second 401 is returned as ErrUnauthorized and is
// never retried. The caller closes the returned body.
func (c *Client) Do(ctx context.Context, newReq RequestFunc) (*http.Response, error) {
	tok := c.tokens.GetValidToken(ctx)
	if tok == "" {
		c.expired(ctx)
		return nil, ErrReauthRequired
	}

	resp, err := c.send(ctx, newReq, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkRateLimit(resp)
	}
	ioutil.DrainAndClose(resp.Body)

	log.LogDebugWithFields("apiclient", "Backend returned 401, refreshing", nil)
	fresh := c.refresher.Refresh(ctx)
	if fresh == "" {
		c.expired(ctx)
		return nil, ErrReauthRequired
	}

	resp, err = c.send(ctx, newReq, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		ioutil.DrainAndClose(resp.Body)
		log.LogWarnWithFields("apiclient", "Backend rejected refreshed token", nil)
		c.expired(ctx)
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrReauthRequired)
	}
	return checkRateLimit(resp)
}

func (c *Client) send(ctx context.Context, newReq RequestFunc, tok string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	req, err := newReq(ctx)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	return resp, nil
}

type backgroundKey struct{}

// Background marks ctx as belonging to a caller no user is waiting on. Calls
// made with it still return ErrReauthRequired but never run the session
// expired hook.
func Background(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

func isBackground(ctx context.Context) bool {
	v, _ := ctx.Value(backgroundKey{}).(bool)
	return v
}

func (c *Client) expired(ctx context.Context) {
	if isBackground(ctx) {
		log.LogDebugWithFields("apiclient", "Background call needs a new sign-in, staying quiet", nil)
		return
	}
	if c.onExpired != nil {
		c.onExpired(ctx)
	}
}

func checkRateLimit(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return resp, nil
	}
	ioutil.DrainAndClose(resp.Body)
	return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// GetJSON fetches path and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	target := c.URL(path)
	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: ioutil.ReadLimited(resp.Body, 512)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// UnreadCount returns the signed-in user's unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var body struct {
		Count int `json:"count"`
	}
	if err := c.GetJSON(ctx, UnreadCountPath, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}
