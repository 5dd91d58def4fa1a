package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/internal/infrastructure/reliability"
	"tabcast/internal/infrastructure/router"
)

// PrometheusCollector implements every metrics recorder in the daemon.
// A nil collector discards everything.
type PrometheusCollector struct {
	activeSessions prometheus.Gauge
	wakeLockHeld   prometheus.Gauge
	peerConnected  prometheus.Gauge
	networkHealthy prometheus.Gauge
	observers      prometheus.Gauge

	discoveryTotal    *prometheus.CounterVec
	discoveryDuration prometheus.Histogram
	reconnectTotal    *prometheus.CounterVec

	storeWrites        *prometheus.CounterVec
	storeWriteDuration *prometheus.HistogramVec
	storeRestores      *prometheus.CounterVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec
}

var (
	_ ports.MetricsRecorder     = (*PrometheusCollector)(nil)
	_ persistence.Recorder      = (*PrometheusCollector)(nil)
	_ router.Recorder           = (*PrometheusCollector)(nil)
	_ reliability.StateRecorder = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabcast_active_sessions",
			Help: "Number of active cast sessions",
		}),
		wakeLockHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabcast_wake_lock_held",
			Help: "1 while the system wake lock is held",
		}),
		peerConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabcast_peer_connected",
			Help: "1 while connected to the companion peer",
		}),
		networkHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabcast_network_healthy",
			Help: "1 when network health is ok, 0 when degraded",
		}),
		observers: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabcast_observers_connected",
			Help: "Number of connected websocket observers",
		}),

		discoveryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcast_discovery_total",
			Help: "Peer discovery attempts by outcome",
		}, []string{"outcome"}),
		discoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabcast_discovery_duration_seconds",
			Help:    "Duration of peer discovery",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		reconnectTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcast_reconnect_total",
			Help: "Reconnect attempts by outcome",
		}, []string{"outcome"}),

		storeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcast_store_writes_total",
			Help: "Persisted store writes by key and result",
		}, []string{"key", "result"}),
		storeWriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabcast_store_write_duration_seconds",
			Help:    "Duration of persisted store writes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"key"}),
		storeRestores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcast_store_restores_total",
			Help: "Store restores at startup by key and outcome",
		}, []string{"key", "outcome"}),

		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabcast_dispatch_total",
			Help: "Routed messages by type and outcome",
		}, []string{"type", "outcome"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabcast_dispatch_duration_seconds",
			Help:    "Handler duration by message type",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabcast_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	if p == nil {
		return
	}
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) SetWakeLockHeld(held bool) {
	if p == nil {
		return
	}
	p.wakeLockHeld.Set(boolGauge(held))
}

func (p *PrometheusCollector) SetConnectionState(connected bool, health domain.NetworkHealth) {
	if p == nil {
		return
	}
	p.peerConnected.Set(boolGauge(connected))
	p.networkHealthy.Set(boolGauge(health != domain.NetworkHealthDegraded))
}

func (p *PrometheusCollector) SetObservers(n int) {
	if p == nil {
		return
	}
	p.observers.Set(float64(n))
}

func (p *PrometheusCollector) RecordDiscovery(outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	p.discoveryTotal.WithLabelValues(outcome).Inc()
	p.discoveryDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordReconnect(outcome string) {
	if p == nil {
		return
	}
	p.reconnectTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordStoreWrite(key string, duration time.Duration, err error) {
	if p == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	p.storeWrites.WithLabelValues(key, result).Inc()
	p.storeWriteDuration.WithLabelValues(key).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordStoreRestore(key, outcome string) {
	if p == nil {
		return
	}
	p.storeRestores.WithLabelValues(key, outcome).Inc()
}

func (p *PrometheusCollector) RecordDispatch(requestType, outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	// Unknown types come from callers; keep them out of the label space.
	if outcome == router.OutcomeNoHandler {
		requestType = "unknown"
	}
	p.dispatchTotal.WithLabelValues(requestType, outcome).Inc()
	if outcome != router.OutcomeNoHandler {
		p.dispatchDuration.WithLabelValues(requestType).Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) RecordBreakerState(name, state string) {
	if p == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	p.breakerState.WithLabelValues(name).Set(v)
}
