// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
)

// MockBridge is a testify mock of ports.Bridge.
type MockBridge struct {
	mock.Mock
}

var _ ports.Bridge = (*MockBridge)(nil)

func (m *MockBridge) GetStatus(ctx context.Context) (*domain.BridgeStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BridgeStatus), args.Error(1)
}

func (m *MockBridge) Connect(ctx context.Context, peerURL string) error {
	args := m.Called(ctx, peerURL)
	return args.Error(0)
}

func (m *MockBridge) Disconnect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBridge) Reconnect(ctx context.Context, peerURL string) error {
	args := m.Called(ctx, peerURL)
	return args.Error(0)
}

// FakePower records wake-lock transitions.
type FakePower struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	Err      error
}

var _ ports.PowerManager = (*FakePower)(nil)

func (p *FakePower) Acquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.Err != nil {
		return p.Err
	}
	p.held = true
	return nil
}

func (p *FakePower) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	p.held = false
	return nil
}

func (p *FakePower) Held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Counts returns how many times the lock was acquired and released.
func (p *FakePower) Counts() (acquires, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires, p.releases
}

// RecordingNotifier keeps every event it receives.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

var _ ports.Notifier = (*RecordingNotifier)(nil)

func (n *RecordingNotifier) Notify(ctx context.Context, event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *RecordingNotifier) Events() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Event(nil), n.events...)
}

// OfType returns the received events of one type.
func (n *RecordingNotifier) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range n.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}
