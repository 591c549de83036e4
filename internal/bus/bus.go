// Package bus carries notifications between the components of one process:
// storage changes, refresh requests and session expiry. Components never call
// each other for these; they publish and subscribe.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/google/uuid"
)

// Topics
const (
	TopicTokenChanged   = "token-changed"
	TopicRefreshSignal  = "refresh-signal"
	TopicSessionExpired = "session-expired"
)

var (
	// ErrNoResponder is returned by Request when nothing handles the topic.
	ErrNoResponder = errors.New("no responder for topic")

	// ErrResponderExists is returned when a topic already has a responder.
	ErrResponderExists = errors.New("responder already registered")
)

// Message is one notification or request.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// TokenChanged is the payload of TopicTokenChanged.
type TokenChanged struct {
	Removed bool
}

// Handler receives published messages. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, msg Message)

// Responder answers requests on one topic.
type Responder func(ctx context.Context, msg Message) (any, error)

// Bus is an in-process message bus.
type Bus struct {
	mu         sync.RWMutex
	nextID     int
	subs       map[string]map[int]Handler
	responders map[string]Responder
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[string]map[int]Handler),
		responders: make(map[string]Responder),
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) Message {
	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	log.LogTraceWithFields("bus", "Publishing", map[string]any{
		"topic":       topic,
		"id":          msg.ID,
		"subscribers": len(handlers),
	})
	for _, h := range handlers {
		h(ctx, msg)
	}
	return msg
}

// Handle registers the single responder for topic.
func (b *Bus) Handle(topic string, r Responder) (unregister func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.responders[topic]; ok {
		return nil, fmt.Errorf("%w: %s", ErrResponderExists, topic)
	}
	b.responders[topic] = r
	return func() {
		b.mu.Lock()
		delete(b.responders, topic)
		b.mu.Unlock()
	}, nil
}

// Request asks topic's responder and waits for its answer or ctx.
func (b *Bus) Request(ctx context.Context, topic string, payload any) (any, error) {
	b.mu.RLock()
	r, ok := b.responders[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResponder, topic)
	}

	msg := Message{ID: uuid.NewString(), Topic: topic, Payload: payload}
	type reply struct {
		val any
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		val, err := r(ctx, msg)
		ch <- reply{val, err}
	}()

	select {
	case rep := <-ch:
		return rep.val, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BridgeStorage republishes access token writes and removals on kv as
// TopicTokenChanged.
func BridgeStorage(b *Bus, kv storage.KV) (stop func()) {
	return kv.Subscribe(func(c storage.Change) {
		if c.Key != storage.KeyAccessToken {
			return
		}
		b.Publish(context.Background(), TopicTokenChanged, TokenChanged{Removed: c.Removed})
	})
}
