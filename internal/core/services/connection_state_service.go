package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/text/message"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/pkg/i18n"
)

const ConnectionStateKey = "connectionState"

// ConnectionStateService owns the single ConnectionState. Readers get copies;
// every setter updates memory synchronously and schedules a debounced write.
type ConnectionStateService struct {
	mu    sync.RWMutex
	state domain.ConnectionState

	store    *persistence.StoreHandle[domain.ConnectionState]
	clock    clock.Clock
	notifier ports.Notifier
	printer  *message.Printer
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

type ConnectionStateOptions struct {
	Debounce time.Duration
	Clock    clock.Clock
	Notifier ports.Notifier
	Printer  *message.Printer
	Metrics  ports.MetricsRecorder
}

func NewConnectionStateService(o *persistence.Orchestrator, opts ConnectionStateOptions, logger *zap.SugaredLogger) *ConnectionStateService {
	s := &ConnectionStateService{
		state:    domain.NewConnectionState(),
		clock:    opts.Clock,
		notifier: opts.Notifier,
		printer:  opts.Printer,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.printer == nil {
		s.printer = i18n.NewPrinter("")
	}
	if s.metrics == nil {
		s.metrics = ports.NopMetrics{}
	}

	s.store = persistence.Register(o, persistence.StoreConfig[domain.ConnectionState]{
		Key:       ConnectionStateKey,
		Debounce:  opts.Debounce,
		Serialize: s.Get,
	}, s.restore)
	return s
}

// Get returns a copy of the current state.
func (s *ConnectionStateService) Get() domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetConnected records the socket status. Connecting clears LastError.
func (s *ConnectionStateService) SetConnected(connected bool) {
	s.update(func(st *domain.ConnectionState) {
		st.Connected = connected
		if connected {
			st.LastError = ""
		}
	})
}

// SetPeer records a successful discovery.
func (s *ConnectionStateService) SetPeer(url string, maxSessions int) {
	now := s.clock.Now()
	s.update(func(st *domain.ConnectionState) {
		st.PeerURL = url
		st.MaxConcurrentSessions = maxSessions
		st.LastDiscoveredAt = now
		st.LastError = ""
	})
}

// UsePeer records a peer chosen without discovery. The peer's capacity is
// kept when the URL is unchanged and forgotten otherwise.
func (s *ConnectionStateService) UsePeer(url string) {
	s.update(func(st *domain.ConnectionState) {
		if st.PeerURL == url {
			return
		}
		st.PeerURL = url
		st.MaxConcurrentSessions = 0
	})
}

// SetError records a failure. An errored state is never connected.
func (s *ConnectionStateService) SetError(msg string) {
	s.update(func(st *domain.ConnectionState) {
		st.LastError = msg
		st.Connected = false
	})
}

func (s *ConnectionStateService) SetNetworkHealth(health domain.NetworkHealth, reason string) {
	s.update(func(st *domain.ConnectionState) {
		st.NetworkHealth = health
		st.NetworkHealthReason = reason
		if health == domain.NetworkHealthOK {
			st.NetworkHealthReason = ""
		}
	})
}

// Clear resets to the empty state, keeping an explanation in LastError.
func (s *ConnectionStateService) Clear() {
	msg := s.printer.Sprintf(i18n.PeerNotFound)
	s.update(func(st *domain.ConnectionState) {
		*st = domain.NewConnectionState()
		st.LastError = msg
	})
}

// AdoptBridgeState takes the bridge's report as ground truth.
func (s *ConnectionStateService) AdoptBridgeState(status domain.BridgeStatus) {
	now := s.clock.Now()
	s.update(func(st *domain.ConnectionState) {
		st.Connected = status.Connected
		if status.PeerURL != "" {
			st.PeerURL = status.PeerURL
		}
		if peer := status.CachedPeerState; peer != nil {
			if peer.URL != "" {
				st.PeerURL = peer.URL
			}
			if peer.MaxSessions > 0 {
				st.MaxConcurrentSessions = peer.MaxSessions
			}
			st.LastDiscoveredAt = now
		}
		if status.Connected {
			st.LastError = ""
			st.NetworkHealth = domain.NetworkHealthOK
			st.NetworkHealthReason = ""
		}
	})
}

// Flush writes the state immediately.
func (s *ConnectionStateService) Flush(ctx context.Context) error {
	return s.store.Persist(ctx)
}

func (s *ConnectionStateService) update(mutate func(*domain.ConnectionState)) {
	s.mu.Lock()
	before := s.state
	mutate(&s.state)
	if s.state.Connected {
		s.state.LastError = ""
	}
	after := s.state
	s.mu.Unlock()

	s.store.Schedule()
	s.metrics.SetConnectionState(after.Connected, after.NetworkHealth)

	if before != after && s.notifier != nil {
		s.notifier.Notify(context.Background(), domain.Event{
			Type:      domain.EventConnectionStatus,
			Payload:   after,
			Timestamp: s.clock.Now(),
		})
	}
}

func (s *ConnectionStateService) restore(st domain.ConnectionState) {
	if st.NetworkHealth == "" {
		st.NetworkHealth = domain.NetworkHealthOK
	}
	if st.Connected {
		st.LastError = ""
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.metrics.SetConnectionState(st.Connected, st.NetworkHealth)
	s.logger.Debugw("connection state restored", "connected", st.Connected, "peer_url", st.PeerURL)
}
