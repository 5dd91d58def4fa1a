package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/message"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/pkg/i18n"
	"tabcast/pkg/retry"
)

// Reconnect outcomes reported to metrics.
const (
	ReconnectSucceeded = "success"
	ReconnectExhausted = "exhausted"
	ReconnectCancelled = "cancelled"
)

type ConnectionManagerOptions struct {
	Retry          retry.Config
	RequestTimeout time.Duration
	Notifier       ports.Notifier
	Printer        *message.Printer
	Metrics        ports.MetricsRecorder
	Clock          clock.Clock
}

// ConnectionManager drives the bridge: connect, disconnect, reconnect with a
// retry budget, and reaction to bridge push notifications.
type ConnectionManager struct {
	bridge    ports.Bridge
	state     *ConnectionStateService
	discovery *DiscoveryService
	opts      ConnectionManagerOptions

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewConnectionManager(bridge ports.Bridge, state *ConnectionStateService, discovery *DiscoveryService, opts ConnectionManagerOptions, logger *zap.SugaredLogger) *ConnectionManager {
	if opts.Printer == nil {
		opts.Printer = i18n.NewPrinter("")
	}
	if opts.Metrics == nil {
		opts.Metrics = ports.NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		bridge:    bridge,
		state:     state,
		discovery: discovery,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Connect opens the companion connection. Without peerURL the cached peer is
// used, falling back to discovery.
func (m *ConnectionManager) Connect(ctx context.Context, peerURL string) error {
	url, err := m.resolvePeer(ctx, peerURL)
	if err != nil {
		return err
	}

	_, err, _ = m.group.Do("connect:"+url, func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
		return nil, m.bridge.Connect(callCtx, url)
	})
	if err != nil {
		m.logger.Warnw("connect failed", "peer_url", url, "error", err)
		m.state.SetError(err.Error())
		return fmt.Errorf("connect %s: %w", url, err)
	}

	m.state.UsePeer(url)
	m.state.SetConnected(true)
	m.state.SetNetworkHealth(domain.NetworkHealthOK, "")
	m.logger.Infow("connected to companion", "peer_url", url)
	return nil
}

func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	if err := m.bridge.Disconnect(callCtx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	m.state.SetConnected(false)
	m.logger.Infow("disconnected from companion")
	return nil
}

// Reconnect retries until the bridge acknowledges or the budget runs out.
// Exhaustion is terminal: LastError carries RECONNECT_EXHAUSTED and observers
// receive a connectionError event.
func (m *ConnectionManager) Reconnect(ctx context.Context, peerURL string) error {
	url := peerURL
	if url == "" {
		url = m.state.Get().PeerURL
	}
	if url == "" {
		return domain.ErrNoPeerURL
	}

	_, err, _ := m.group.Do("reconnect", func() (any, error) {
		return nil, m.reconnect(ctx, url)
	})
	return err
}

func (m *ConnectionManager) reconnect(ctx context.Context, url string) error {
	cfg := m.opts.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.Debugw("reconnect attempt failed", "peer_url", url, "attempt", attempt, "retry_in", delay, "error", err)
	}

	err := retry.Retry(ctx, cfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
		return m.bridge.Reconnect(callCtx, url)
	})

	switch {
	case err == nil:
		m.state.SetConnected(true)
		m.state.SetNetworkHealth(domain.NetworkHealthOK, "")
		m.opts.Metrics.RecordReconnect(ReconnectSucceeded)
		m.logger.Infow("reconnected to companion", "peer_url", url)
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.opts.Metrics.RecordReconnect(ReconnectCancelled)
		return err
	default:
		m.opts.Metrics.RecordReconnect(ReconnectExhausted)
		m.logger.Warnw("reconnect budget exhausted", "peer_url", url, "error", err)
		m.fail(ctx, domain.ReasonReconnectExhausted, i18n.ReconnectExhausted)
		return fmt.Errorf("%w: %w", domain.ErrReconnectExhausted, err)
	}
}

// ReconnectInBackground starts a reconnect that nobody waits for. It shares
// the in-flight guard with Reconnect.
func (m *ConnectionManager) ReconnectInBackground(peerURL string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Reconnect(m.ctx, peerURL); err != nil {
			m.logger.Debugw("background reconnect ended", "error", err)
		}
	}()
}

// HandleNotification reacts to a push from the bridge.
func (m *ConnectionManager) HandleNotification(ctx context.Context, n domain.BridgeNotification) {
	switch n.Kind {
	case domain.NotifyConnected:
		if n.Peer != nil && n.Peer.URL != "" {
			m.state.SetPeer(n.Peer.URL, n.Peer.MaxSessions)
		}
		m.state.SetConnected(true)
		m.state.SetNetworkHealth(domain.NetworkHealthOK, "")

	case domain.NotifyTemporarilyLost:
		reason := n.Reason
		if reason == "" {
			reason = m.opts.Printer.Sprintf(i18n.ConnectionLost)
		}
		m.state.SetNetworkHealth(domain.NetworkHealthDegraded, reason)
		m.ReconnectInBackground("")

	case domain.NotifyPermanentlyLost:
		m.fail(ctx, domain.ReasonPermanentlyLost, i18n.ConnectionLost)

	case domain.NotifyEvent:
		m.notify(ctx, domain.EventDomain, n.Event)

	case domain.NotifyReady:
		st := m.state.Get()
		if !st.Connected && st.HasPeer() {
			m.logger.Infow("bridge ready, reconnecting to cached peer", "peer_url", st.PeerURL)
			m.ReconnectInBackground(st.PeerURL)
		}

	default:
		m.logger.Debugw("ignoring unknown bridge notification", "kind", n.Kind)
	}
}

// Close cancels background reconnects and waits for them.
func (m *ConnectionManager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *ConnectionManager) resolvePeer(ctx context.Context, peerURL string) (string, error) {
	if peerURL != "" {
		return normalizeBaseURL(peerURL), nil
	}
	if st := m.state.Get(); st.HasPeer() {
		return st.PeerURL, nil
	}
	if m.discovery == nil {
		return "", domain.ErrNoPeerURL
	}
	peer, err := m.discovery.Discover(ctx, false)
	if err != nil {
		if errors.Is(err, domain.ErrPeerNotFound) {
			m.state.Clear()
		}
		return "", err
	}
	return peer.URL, nil
}

func (m *ConnectionManager) fail(ctx context.Context, code domain.ReasonCode, messageKey string) {
	m.state.SetError(string(code))
	m.notify(ctx, domain.EventConnectionError, domain.ConnectionErrorPayload{
		Code:    code,
		Message: m.opts.Printer.Sprintf(messageKey),
	})
}

func (m *ConnectionManager) notify(ctx context.Context, typ domain.EventType, payload any) {
	if m.opts.Notifier == nil {
		return
	}
	m.opts.Notifier.Notify(ctx, domain.Event{Type: typ, Payload: payload, Timestamp: m.opts.Clock.Now()})
}
