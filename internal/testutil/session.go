package testutil

import (
	"context"
	"sync"

	"icb-go/internal/icloud"
)

// FakeSession is an icloud.Session that is always READY, counting the
// Authenticate and Refresh calls the engines make.
type FakeSession struct {
	mu            sync.Mutex
	authenticates int
	refreshes     int

	// AuthenticateErr and RefreshErr, when set, fail the respective call.
	AuthenticateErr error
	RefreshErr      error
}

var _ icloud.Session = (*FakeSession)(nil)

func NewFakeSession() *FakeSession { return &FakeSession{} }

func (s *FakeSession) Authenticate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticates++
	return s.AuthenticateErr
}

func (s *FakeSession) Refresh(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.RefreshErr
}

func (s *FakeSession) State() icloud.AuthState { return icloud.StateReady }
func (s *FakeSession) TrustToken() string      { return "fake-trust-token" }

func (s *FakeSession) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}
