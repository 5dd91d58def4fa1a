package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tabcast/internal/core/domain"
	"tabcast/internal/testutil"
	"tabcast/pkg/i18n"
	"tabcast/pkg/retry"
)

const peerURL = "http://localhost:8765"

var errBridgeDown = errors.New("bridge down")

func (f *fixture) connectionManager(t *testing.T, bridge *testutil.MockBridge, state *ConnectionStateService, discovery *DiscoveryService) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(bridge, state, discovery, ConnectionManagerOptions{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		RequestTimeout: time.Second,
		Notifier:       f.notifier,
		Printer:        i18n.NewPrinter("en"),
		Clock:          f.clock,
	}, f.logger)
	t.Cleanup(m.Close)
	return m
}

func TestConnectionManager_ConnectUsesCachedPeer(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer(peerURL, 4)
	bridge := &testutil.MockBridge{}
	bridge.On("Connect", mock.Anything, peerURL).Return(nil).Once()
	m := f.connectionManager(t, bridge, state, nil)

	require.NoError(t, m.Connect(context.Background(), ""))

	assert.True(t, state.Get().Connected)
	bridge.AssertExpectations(t)
}

func TestConnectionManager_ConnectRecordsGivenPeer(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer("http://localhost:8766", 4)
	bridge := &testutil.MockBridge{}
	bridge.On("Connect", mock.Anything, peerURL).Return(nil).Once()
	bridge.On("Reconnect", mock.Anything, peerURL).Return(nil).Once()
	m := f.connectionManager(t, bridge, state, nil)

	require.NoError(t, m.Connect(context.Background(), peerURL))

	st := state.Get()
	assert.True(t, st.Connected)
	assert.Equal(t, peerURL, st.PeerURL)
	assert.Zero(t, st.MaxConcurrentSessions, "capacity of the previous peer does not carry over")

	require.NoError(t, m.Reconnect(context.Background(), ""))
	bridge.AssertExpectations(t)
}

func TestConnectionManager_ConnectSamePeerKeepsCapacity(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer(peerURL, 4)
	bridge := &testutil.MockBridge{}
	bridge.On("Connect", mock.Anything, peerURL).Return(nil).Once()
	m := f.connectionManager(t, bridge, state, nil)

	require.NoError(t, m.Connect(context.Background(), peerURL))
	assert.Equal(t, 4, state.Get().MaxConcurrentSessions)
}

func TestConnectionManager_ConcurrentConnectsToDifferentPeers(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	const otherPeer = "http://localhost:8767"

	entered := make(chan struct{})
	release := make(chan struct{})
	bridge := &testutil.MockBridge{}
	bridge.On("Connect", mock.Anything, peerURL).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	bridge.On("Connect", mock.Anything, otherPeer).Return(errBridgeDown).Once()
	m := f.connectionManager(t, bridge, state, nil)

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), peerURL) }()
	<-entered

	err := m.Connect(context.Background(), otherPeer)
	assert.ErrorIs(t, err, errBridgeDown, "a connect to another peer must not join the in-flight one")

	close(release)
	require.NoError(t, <-first)
	bridge.AssertExpectations(t)
}

func TestConnectionManager_ConnectWithoutPeerClearsState(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	discovery := f.discovery(state, []string{deadCandidate(t)}, "")
	bridge := &testutil.MockBridge{}
	m := f.connectionManager(t, bridge, state, discovery)

	err := m.Connect(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	st := state.Get()
	assert.Empty(t, st.PeerURL)
	assert.NotEmpty(t, st.LastError)
	bridge.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
}

func TestConnectionManager_ConnectFailureRecordsError(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	bridge := &testutil.MockBridge{}
	bridge.On("Connect", mock.Anything, peerURL).Return(errBridgeDown)
	m := f.connectionManager(t, bridge, state, nil)

	err := m.Connect(context.Background(), peerURL+"/")
	assert.ErrorIs(t, err, errBridgeDown)
	assert.False(t, state.Get().Connected)
	assert.Contains(t, state.Get().LastError, "bridge down")
}

func TestConnectionManager_Disconnect(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetConnected(true)
	bridge := &testutil.MockBridge{}
	bridge.On("Disconnect", mock.Anything).Return(nil)
	m := f.connectionManager(t, bridge, state, nil)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.False(t, state.Get().Connected)
}

func TestConnectionManager_ReconnectExhaustionIsTerminal(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer(peerURL, 4)
	state.SetConnected(true)
	bridge := &testutil.MockBridge{}
	bridge.On("Reconnect", mock.Anything, peerURL).Return(errBridgeDown)
	m := f.connectionManager(t, bridge, state, nil)

	err := m.Reconnect(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	bridge.AssertNumberOfCalls(t, "Reconnect", 3)

	st := state.Get()
	assert.False(t, st.Connected)
	assert.Equal(t, string(domain.ReasonReconnectExhausted), st.LastError)

	events := f.notifier.OfType(domain.EventConnectionError)
	require.Len(t, events, 1)
	payload := events[0].Payload.(domain.ConnectionErrorPayload)
	assert.Equal(t, domain.ReasonReconnectExhausted, payload.Code)
	assert.NotEmpty(t, payload.Message)
}

func TestConnectionManager_ReconnectRecovers(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer(peerURL, 4)
	bridge := &testutil.MockBridge{}
	bridge.On("Reconnect", mock.Anything, peerURL).Return(errBridgeDown).Once()
	bridge.On("Reconnect", mock.Anything, peerURL).Return(nil).Once()
	m := f.connectionManager(t, bridge, state, nil)

	require.NoError(t, m.Reconnect(context.Background(), ""))
	assert.True(t, state.Get().Connected)
	assert.Empty(t, f.notifier.OfType(domain.EventConnectionError))
}

func TestConnectionManager_ReconnectWithoutPeer(t *testing.T) {
	f := newFixture(t)
	m := f.connectionManager(t, &testutil.MockBridge{}, f.connectionState(), nil)
	assert.ErrorIs(t, m.Reconnect(context.Background(), ""), domain.ErrNoPeerURL)
}

func TestConnectionManager_ConcurrentReconnectsShareOneAttempt(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	state.SetPeer(peerURL, 4)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	bridge := &testutil.MockBridge{}
	bridge.On("Reconnect", mock.Anything, peerURL).Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	}).Return(nil)
	m := f.connectionManager(t, bridge, state, nil)

	errs := make(chan error, 2)
	go func() { errs <- m.Reconnect(context.Background(), "") }()
	<-started
	go func() { errs <- m.Reconnect(context.Background(), "") }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	bridge.AssertNumberOfCalls(t, "Reconnect", 1)
}

func TestConnectionManager_HandleNotifications(t *testing.T) {
	t.Run("connected adopts peer", func(t *testing.T) {
		f := newFixture(t)
		state := f.connectionState()
		state.SetError("old")
		m := f.connectionManager(t, &testutil.MockBridge{}, state, nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{
			Kind: domain.NotifyConnected,
			Peer: &domain.DiscoveredPeer{URL: peerURL, MaxSessions: 3},
		})

		st := state.Get()
		assert.True(t, st.Connected)
		assert.Empty(t, st.LastError)
		assert.Equal(t, 3, st.MaxConcurrentSessions)
	})

	t.Run("temporarily lost degrades and reconnects", func(t *testing.T) {
		f := newFixture(t)
		state := f.connectionState()
		state.SetPeer(peerURL, 4)
		state.SetConnected(true)

		release := make(chan struct{})
		bridge := &testutil.MockBridge{}
		bridge.On("Reconnect", mock.Anything, peerURL).Run(func(mock.Arguments) { <-release }).Return(nil)
		m := f.connectionManager(t, bridge, state, nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{Kind: domain.NotifyTemporarilyLost})
		assert.Equal(t, domain.NetworkHealthDegraded, state.Get().NetworkHealth)
		assert.Empty(t, f.notifier.OfType(domain.EventConnectionError), "no user-visible error while recovering")
		close(release)

		require.Eventually(t, func() bool {
			return state.Get().NetworkHealth == domain.NetworkHealthOK
		}, time.Second, 5*time.Millisecond)
		bridge.AssertCalled(t, "Reconnect", mock.Anything, peerURL)
	})

	t.Run("permanently lost is terminal", func(t *testing.T) {
		f := newFixture(t)
		state := f.connectionState()
		state.SetConnected(true)
		m := f.connectionManager(t, &testutil.MockBridge{}, state, nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{Kind: domain.NotifyPermanentlyLost})

		assert.Equal(t, string(domain.ReasonPermanentlyLost), state.Get().LastError)
		assert.Len(t, f.notifier.OfType(domain.EventConnectionError), 1)
	})

	t.Run("domain events are forwarded", func(t *testing.T) {
		f := newFixture(t)
		m := f.connectionManager(t, &testutil.MockBridge{}, f.connectionState(), nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{
			Kind:  domain.NotifyEvent,
			Event: json.RawMessage(`{"speaker":"10.0.0.5","volume":40}`),
		})

		events := f.notifier.OfType(domain.EventDomain)
		require.Len(t, events, 1)
		assert.JSONEq(t, `{"speaker":"10.0.0.5","volume":40}`, string(events[0].Payload.(json.RawMessage)))
	})

	t.Run("ready reconnects cached peer", func(t *testing.T) {
		f := newFixture(t)
		state := f.connectionState()
		state.SetPeer(peerURL, 4)

		bridge := &testutil.MockBridge{}
		bridge.On("Reconnect", mock.Anything, peerURL).Return(nil)
		m := f.connectionManager(t, bridge, state, nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{Kind: domain.NotifyReady})
		require.Eventually(t, func() bool { return state.Get().Connected }, time.Second, 5*time.Millisecond)
	})

	t.Run("ready without cached peer does nothing", func(t *testing.T) {
		f := newFixture(t)
		bridge := &testutil.MockBridge{}
		m := f.connectionManager(t, bridge, f.connectionState(), nil)

		m.HandleNotification(context.Background(), domain.BridgeNotification{Kind: domain.NotifyReady})
		m.Close()
		bridge.AssertNotCalled(t, "Reconnect", mock.Anything, mock.Anything)
	})
}
