package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage closed")

// Account holds the identity claims cached alongside the token so surfaces
// can render who is signed in without re-parsing it.
type Account struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// IsZero reports whether no identity claims are known.
func (a Account) IsZero() bool {
	return a.DisplayName == "" && a.Email == ""
}

// Credential is the unit of authentication state. A nil *Credential means
// signed out.
type Credential struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token,omitempty"`
	// RefreshToken is only issued by the native PKCE flow.
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Account      Account   `json:"account"`
}

// Change describes one key written or removed in a KV namespace.
type Change struct {
	Key     string
	Removed bool
}

// KV is a namespaced, asynchronous key-value store private to one execution
// context. There are no cross-call transactions: a crash between two calls
// can leave a partial write behind.
type KV interface {
	// Get returns the subset of keys that exist.
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error

	// Subscribe registers fn for every change this store observes.
	Subscribe(fn func(Change)) (unsubscribe func())

	Close() error
}

// notifier fans changes out to subscribers. Embedded by every backend.
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Change)
}

func (n *notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify(changes ...Change) {
	n.mu.RLock()
	subs := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

func setChanges(values map[string]string) []Change {
	changes := make([]Change, 0, len(values))
	for k := range values {
		changes = append(changes, Change{Key: k})
	}
	return changes
}

func removeChanges(keys []string) []Change {
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		changes = append(changes, Change{Key: k, Removed: true})
	}
	return changes
}
