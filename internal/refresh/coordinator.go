// Package refresh obtains fresh tokens without interactive UI.
package refresh

import (
	"context"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds one shared refresh.
const DefaultTimeout = 30 * time.Second

// Coordinator runs the active driver's silent attempt and persists what it
// returns. Concurrent callers in one process share a single attempt; callers
// in other processes may still refresh independently, and the last write to
// storage wins.
type Coordinator struct {
	driver  flow.Driver
	store   *storage.Store
	timeout time.Duration
	group   singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// NewCoordinator creates a coordinator for driver.
func NewCoordinator(driver flow.Driver, store *storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		driver:  driver,
		store:   store,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns a fresh access token, or "" if none could be obtained
// without the user. It never returns an error: every failure reads as
// "not available".
func (c *Coordinator) Refresh(ctx context.Context) string {
	// The shared attempt must outlive any single caller's cancellation.
	ch := c.group.DoChan("refresh", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(runCtx), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.LogTraceWithFields("refresh", "Joined in-flight refresh", nil)
		}
		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

func (c *Coordinator) refresh(ctx context.Context) string {
	started := time.Now()
	cred := c.driver.SilentAttempt(ctx)
	if cred == nil {
		log.LogInfoWithFields("refresh", "Silent refresh returned no token", map[string]any{
			"flow":     c.driver.Name(),
			"duration": time.Since(started).String(),
		})
		return ""
	}

	// Storage failures are logged; the caller can still use the token.
	if err := c.store.SaveCredential(ctx, cred); err != nil {
		log.LogWarnWithFields("refresh", "Failed to persist refreshed credential", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("refresh", "Silent refresh succeeded", map[string]any{
		"flow":        c.driver.Name(),
		"fingerprint": token.Fingerprint(cred.AccessToken),
		"expiresAt":   cred.ExpiresAt,
		"duration":    time.Since(started).String(),
	})
	return cred.AccessToken
}
