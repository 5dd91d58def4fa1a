package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/pkg/tracing"
)

// Phase is the recovery state machine position.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseRestoring
	PhaseReconcilingPeer
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseRestoring:
		return "restoring"
	case PhaseReconcilingPeer:
		return "reconciling_peer"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

type RecoveryOptions struct {
	StatusTimeout time.Duration
	Notifier      ports.Notifier
	Clock         clock.Clock
	// OnPhase observes every transition.
	OnPhase func(Phase)
}

// RecoveryService restores persisted state once per process and reconciles it
// with the bridge. Inbound requests wait on WaitReady before touching state.
type RecoveryService struct {
	orch   *persistence.Orchestrator
	bridge ports.Bridge
	state  *ConnectionStateService
	conn   *ConnectionManager
	opts   RecoveryOptions
	logger *zap.SugaredLogger

	phase atomic.Int32
	once  sync.Once
	ready chan struct{}
}

// NewRecoveryService creates the state machine. bridge may be nil when no
// privileged context is configured.
func NewRecoveryService(orch *persistence.Orchestrator, bridge ports.Bridge, state *ConnectionStateService, conn *ConnectionManager, opts RecoveryOptions, logger *zap.SugaredLogger) *RecoveryService {
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &RecoveryService{
		orch:   orch,
		bridge: bridge,
		state:  state,
		conn:   conn,
		opts:   opts,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Start begins recovery if it has not started yet.
func (r *RecoveryService) Start() {
	r.once.Do(func() {
		go r.run(context.Background())
	})
}

// WaitReady starts recovery if needed and blocks until it completes.
func (r *RecoveryService) WaitReady(ctx context.Context) error {
	r.Start()
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrNotReady, ctx.Err())
	}
}

// Done is closed once recovery reaches Ready.
func (r *RecoveryService) Done() <-chan struct{} {
	return r.ready
}

func (r *RecoveryService) Phase() Phase {
	return Phase(r.phase.Load())
}

func (r *RecoveryService) IsReady() bool {
	return r.Phase() == PhaseReady
}

func (r *RecoveryService) run(ctx context.Context) {
	ctx, span := tracing.TraceRecovery(ctx)
	defer span.End()
	start := r.opts.Clock.Now()

	r.transition(ctx, PhaseRestoring)
	r.orch.RestoreAll(ctx)

	r.transition(ctx, PhaseReconcilingPeer)
	r.reconcile(ctx)

	r.transition(ctx, PhaseReady)
	close(r.ready)
	r.logger.Infow("recovery complete", "duration", r.opts.Clock.Since(start))
}

func (r *RecoveryService) reconcile(ctx context.Context) {
	status := r.queryBridge(ctx)
	persisted := r.state.Get()

	switch {
	case status == nil:
		// no privileged context: never present a stale "connected"
		if persisted.Connected {
			r.logger.Infow("bridge absent, discarding persisted connected flag", "peer_url", persisted.PeerURL)
			r.state.SetConnected(false)
		}

	case status.Connected:
		r.logger.Infow("adopting bridge connection state", "peer_url", status.PeerURL)
		r.state.AdoptBridgeState(*status)
		r.notifyStatus(ctx)

	default:
		if persisted.Connected {
			r.state.SetConnected(false)
		}
		if persisted.HasPeer() && r.conn != nil {
			r.logger.Infow("bridge disconnected, reconnecting in background", "peer_url", persisted.PeerURL)
			r.conn.ReconnectInBackground(persisted.PeerURL)
		}
	}
}

// queryBridge returns nil when the bridge is missing, failing or too slow.
func (r *RecoveryService) queryBridge(ctx context.Context) *domain.BridgeStatus {
	if r.bridge == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.StatusTimeout)
	defer cancel()

	status, err := r.bridge.GetStatus(ctx)
	if err != nil {
		r.logger.Debugw("bridge status unavailable, treating bridge as absent", "error", err)
		return nil
	}
	return status
}

func (r *RecoveryService) transition(ctx context.Context, p Phase) {
	r.phase.Store(int32(p))
	tracing.AddSpanAttributes(ctx, tracing.PhaseKey.String(p.String()))
	r.logger.Debugw("recovery phase", "phase", p.String())
	if r.opts.OnPhase != nil {
		r.opts.OnPhase(p)
	}
}

func (r *RecoveryService) notifyStatus(ctx context.Context) {
	if r.opts.Notifier == nil {
		return
	}
	r.opts.Notifier.Notify(ctx, domain.Event{
		Type:      domain.EventConnectionStatus,
		Payload:   r.state.Get(),
		Timestamp: r.opts.Clock.Now(),
	})
}
