package storage

import (
	"context"
	"maps"
	"sync"
)

// Ensure MemoryKV implements KV
var _ KV = (*MemoryKV)(nil)

// MemoryKV keeps values in process memory. It backs tests and the web
// surface when the embedder provides no durable storage.
type MemoryKV struct {
	notifier
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewMemoryKV creates an empty in-memory store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (s *MemoryKV) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryKV) Set(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	maps.Copy(s.values, values)
	s.mu.Unlock()

	s.notify(setChanges(values)...)
	return nil
}

func (s *MemoryKV) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.values[k]; ok {
			delete(s.values, k)
			removed = append(removed, k)
		}
	}
	s.mu.Unlock()

	s.notify(removeChanges(removed)...)
	return nil
}

// Close marks the store unusable; later calls fail with ErrClosed.
func (s *MemoryKV) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
