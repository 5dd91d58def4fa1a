package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/pkg/retry"
)

var errAnswered = errors.New("bridge answered")

// BreakerConfig configures the bridge circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32        // consecutive transport failures before opening
	OpenTimeout time.Duration // time spent open before a half-open probe
	MaxRequests uint32        // probes allowed while half-open
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "bridge",
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		MaxRequests: 1,
	}
}

// StateRecorder is told about breaker transitions. May be nil.
type StateRecorder interface {
	RecordBreakerState(name, state string)
}

// BridgeWrapper guards a ports.Bridge with a circuit breaker, and retries the
// idempotent connect/disconnect calls. Reconnect is not retried here; the
// connection manager owns that budget.
type BridgeWrapper struct {
	bridge      ports.Bridge
	cb          *gobreaker.CircuitBreaker[any]
	retryConfig retry.Config
	logger      *zap.SugaredLogger
}

var (
	_ ports.Bridge     = (*BridgeWrapper)(nil)
	_ ports.PushSource = (*BridgeWrapper)(nil)
)

func NewBridgeWrapper(
	bridge ports.Bridge,
	retryConfig retry.Config,
	cbConfig BreakerConfig,
	recorder StateRecorder,
	logger *zap.SugaredLogger,
) *BridgeWrapper {
	if cbConfig.Name == "" {
		cbConfig.Name = "bridge"
	}
	if cbConfig.MaxRequests == 0 {
		cbConfig.MaxRequests = 1
	}
	// An open breaker means the transport is gone; retrying it is pointless.
	retryConfig.NonRetryableErrors = append(append([]error(nil), retryConfig.NonRetryableErrors...),
		gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests, context.Canceled, errAnswered)

	w := &BridgeWrapper{
		bridge:      bridge,
		retryConfig: retryConfig,
		logger:      logger,
	}
	if recorder != nil {
		recorder.RecordBreakerState(cbConfig.Name, gobreaker.StateClosed.String())
	}
	w.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbConfig.Name,
		MaxRequests: cbConfig.MaxRequests,
		Timeout:     cbConfig.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbConfig.MaxFailures
		},
		// Only transport failures count; a peer refusing a request is an answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrBridgeUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infow("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if recorder != nil {
				recorder.RecordBreakerState(name, to.String())
			}
		},
	})
	return w
}

// OnNotification forwards to the wrapped bridge when it pushes.
func (w *BridgeWrapper) OnNotification(h ports.NotificationHandler) {
	if ps, ok := w.bridge.(ports.PushSource); ok {
		ps.OnNotification(h)
	}
}

func (w *BridgeWrapper) GetStatus(ctx context.Context) (*domain.BridgeStatus, error) {
	res, err := w.execute(func() (any, error) {
		return w.bridge.GetStatus(ctx)
	})
	if err != nil {
		return nil, err
	}
	status, ok := res.(*domain.BridgeStatus)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return status, nil
}

func (w *BridgeWrapper) Connect(ctx context.Context, peerURL string) error {
	return w.retried(ctx, func() error { return w.bridge.Connect(ctx, peerURL) })
}

func (w *BridgeWrapper) Disconnect(ctx context.Context) error {
	return w.retried(ctx, func() error { return w.bridge.Disconnect(ctx) })
}

func (w *BridgeWrapper) Reconnect(ctx context.Context, peerURL string) error {
	_, err := w.execute(func() (any, error) {
		return nil, w.bridge.Reconnect(ctx, peerURL)
	})
	return err
}

// State returns the breaker state name.
func (w *BridgeWrapper) State() string {
	return w.cb.State().String()
}

func (w *BridgeWrapper) retried(ctx context.Context, fn func() error) error {
	if !w.retryConfig.Enabled {
		_, err := w.execute(func() (any, error) { return nil, fn() })
		return err
	}

	// Only transport failures are retried; the peer's own answer is returned as is.
	var answer error
	err := retry.Retry(ctx, w.retryConfig, func() error {
		_, err := w.execute(func() (any, error) { return nil, fn() })
		if err != nil && !errors.Is(err, domain.ErrBridgeUnavailable) && !errors.Is(err, context.Canceled) {
			answer = err
			return errAnswered
		}
		return err
	})
	if answer != nil {
		return answer
	}
	return err
}

// execute runs fn through the breaker and maps rejections to
// domain.ErrBridgeUnavailable.
func (w *BridgeWrapper) execute(fn func() (any, error)) (any, error) {
	res, err := w.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.logger.Debugw("bridge call rejected by circuit breaker", "state", w.cb.State().String())
		return nil, fmt.Errorf("%w: %w", domain.ErrBridgeUnavailable, err)
	}
	return res, err
}
