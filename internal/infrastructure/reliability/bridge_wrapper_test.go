package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabcast/internal/core/domain"
	"tabcast/internal/testutil"
	"tabcast/pkg/retry"
)

const peer = "http://127.0.0.1:8765"

type states struct {
	mu  sync.Mutex
	seq []string
}

func (s *states) RecordBreakerState(_, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, state)
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func newWrapper(t *testing.T, b *testutil.MockBridge, rc retry.Config, failures uint32, rec StateRecorder) *BridgeWrapper {
	cfg := DefaultBreakerConfig()
	cfg.MaxFailures = failures
	cfg.OpenTimeout = time.Hour
	return NewBridgeWrapper(b, rc, cfg, rec, zaptest.NewLogger(t).Sugar())
}

func transportErr() error {
	return fmt.Errorf("%w: dial refused", domain.ErrBridgeUnavailable)
}

func TestBridgeWrapper_RetriesTransportFailures(t *testing.T) {
	b := &testutil.MockBridge{}
	b.On("Connect", mock.Anything, peer).Return(transportErr()).Twice()
	b.On("Connect", mock.Anything, peer).Return(nil).Once()

	w := newWrapper(t, b, fastRetry(3), 10, nil)

	require.NoError(t, w.Connect(context.Background(), peer))
	b.AssertNumberOfCalls(t, "Connect", 3)
}

func TestBridgeWrapper_PeerAnswerIsNotRetried(t *testing.T) {
	b := &testutil.MockBridge{}
	refused := errors.New("bridge connect: peer refused")
	b.On("Connect", mock.Anything, peer).Return(refused)

	w := newWrapper(t, b, fastRetry(3), 1, nil)

	err := w.Connect(context.Background(), peer)
	assert.Same(t, refused, err)
	b.AssertNumberOfCalls(t, "Connect", 1)
	assert.Equal(t, "closed", w.State(), "answers must not trip the breaker")
}

func TestBridgeWrapper_OpensAfterConsecutiveFailures(t *testing.T) {
	b := &testutil.MockBridge{}
	b.On("GetStatus", mock.Anything).Return(nil, transportErr())
	rec := &states{}

	w := newWrapper(t, b, fastRetry(0), 2, rec)

	for i := 0; i < 2; i++ {
		_, err := w.GetStatus(context.Background())
		assert.ErrorIs(t, err, domain.ErrBridgeUnavailable)
	}
	assert.Equal(t, "open", w.State())

	_, err := w.GetStatus(context.Background())
	assert.ErrorIs(t, err, domain.ErrBridgeUnavailable)
	b.AssertNumberOfCalls(t, "GetStatus", 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"closed", "open"}, rec.seq)
}

func TestBridgeWrapper_OpenBreakerStopsRetries(t *testing.T) {
	b := &testutil.MockBridge{}
	b.On("Disconnect", mock.Anything).Return(transportErr())

	w := newWrapper(t, b, fastRetry(5), 1, nil)

	err := w.Disconnect(context.Background())
	assert.ErrorIs(t, err, domain.ErrBridgeUnavailable)
	b.AssertNumberOfCalls(t, "Disconnect", 1)
}

func TestBridgeWrapper_ReconnectIsSingleShot(t *testing.T) {
	b := &testutil.MockBridge{}
	b.On("Reconnect", mock.Anything, peer).Return(transportErr())

	w := newWrapper(t, b, fastRetry(5), 10, nil)

	assert.ErrorIs(t, w.Reconnect(context.Background(), peer), domain.ErrBridgeUnavailable)
	b.AssertNumberOfCalls(t, "Reconnect", 1)
}

func TestBridgeWrapper_GetStatusPassesThrough(t *testing.T) {
	b := &testutil.MockBridge{}
	want := &domain.BridgeStatus{Connected: true, PeerURL: peer}
	b.On("GetStatus", mock.Anything).Return(want, nil)

	w := newWrapper(t, b, retry.Config{}, 3, nil)

	got, err := w.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
}
