package ports

import (
	"context"
	"time"

	"tabcast/internal/core/domain"
)

// Bridge is the request/response contract of the privileged execution context.
type Bridge interface {
	GetStatus(ctx context.Context) (*domain.BridgeStatus, error)
	Connect(ctx context.Context, peerURL string) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context, peerURL string) error
}

// NotificationHandler receives bridge pushes.
type NotificationHandler func(ctx context.Context, n domain.BridgeNotification)

// PushSource is implemented by bridges that deliver push notifications.
type PushSource interface {
	OnNotification(h NotificationHandler)
}

// PowerManager holds or releases the system wake-lock.
type PowerManager interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Held() bool
}

// Notifier delivers events to observers. Having no observers is not an error.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event domain.Event)

func (f NotifierFunc) Notify(ctx context.Context, event domain.Event) { f(ctx, event) }

// MultiNotifier fans one event out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event domain.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// ReadyGate is awaited by every inbound request before it touches state.
type ReadyGate interface {
	WaitReady(ctx context.Context) error
}

// MetricsRecorder receives service-level metrics.
type MetricsRecorder interface {
	SetActiveSessions(n int)
	SetWakeLockHeld(held bool)
	SetConnectionState(connected bool, health domain.NetworkHealth)
	RecordDiscovery(outcome string, duration time.Duration)
	RecordReconnect(outcome string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SetActiveSessions(int) {}
func (NopMetrics) SetWakeLockHeld(bool) {}
func (NopMetrics) SetConnectionState(bool, domain.NetworkHealth) {}
func (NopMetrics) RecordDiscovery(string, time.Duration) {}
func (NopMetrics) RecordReconnect(string) {}
