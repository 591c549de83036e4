// Package flowtest provides test doubles for flow drivers.
package flowtest

import (
	"context"
	"sync"

	"github.com/dgellow/fieldcapture-auth/internal/flow"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/stretchr/testify/mock"
)

// MockDriver is a testify mock of flow.Driver that also implements
// flow.Logouter.
type MockDriver struct {
	mock.Mock
}

var (
	_ flow.Driver   = (*MockDriver)(nil)
	_ flow.Logouter = (*MockDriver)(nil)
)

func (m *MockDriver) Name() string {
	return "mock"
}

func (m *MockDriver) InteractiveSignIn(ctx context.Context) (*storage.Credential, error) {
	args := m.Called(ctx)
	cred, _ := args.Get(0).(*storage.Credential)
	return cred, args.Error(1)
}

func (m *MockDriver) SilentAttempt(ctx context.Context) *storage.Credential {
	args := m.Called(ctx)
	cred, _ := args.Get(0).(*storage.Credential)
	return cred
}

func (m *MockDriver) Logout(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// StubDriver returns queued credentials from SilentAttempt and counts calls.
// It is safe for concurrent use.
type StubDriver struct {
	mu      sync.Mutex
	silent  []*storage.Credential
	calls   int
	gate    chan struct{}
	SignIn  *storage.Credential
	SignErr error
}

var _ flow.Driver = (*StubDriver)(nil)

// NewStubDriver returns creds from successive SilentAttempt calls, then nil.
func NewStubDriver(creds ...*storage.Credential) *StubDriver {
	return &StubDriver{silent: creds}
}

// Gate makes SilentAttempt block until the returned func is called.
func (s *StubDriver) Gate() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	gate := s.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *StubDriver) Name() string { return "stub" }

func (s *StubDriver) InteractiveSignIn(context.Context) (*storage.Credential, error) {
	return s.SignIn, s.SignErr
}

func (s *StubDriver) SilentAttempt(ctx context.Context) *storage.Credential {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.silent) == 0 {
		return nil
	}
	cred := s.silent[0]
	s.silent = s.silent[1:]
	return cred
}

// SilentCalls reports how many silent attempts were made.
func (s *StubDriver) SilentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
