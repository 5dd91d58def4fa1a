package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/pkg/tracing"
)

const DiscoverySettingsKey = "discoverySettings"

// Discovery outcomes reported to metrics.
const (
	DiscoveryCached     = "cached"
	DiscoveryScanned    = "scanned"
	DiscoveryManual     = "manual"
	DiscoveryNotFound   = "not_found"
	DiscoveryManualDown = "manual_unreachable"
)

// DiscoverySettings is persisted user configuration for discovery.
type DiscoverySettings struct {
	ManualPeerURL string `json:"manualPeerUrl,omitempty"`
}

type DiscoveryOptions struct {
	// Candidates are probed in this order; the lowest index success wins.
	Candidates      []string
	ServiceName     string
	ProbeTimeout    time.Duration
	LivenessTimeout time.Duration
	CacheTTL        time.Duration
	// ManualPeerURL seeds the pinned address when nothing is persisted.
	ManualPeerURL string
	HTTPClient    *http.Client
	Clock         clock.Clock
	Metrics       ports.MetricsRecorder
}

// DiscoveryService finds the companion application on the local machine.
type DiscoveryService struct {
	opts  DiscoveryOptions
	state *ConnectionStateService

	mu       sync.RWMutex
	settings DiscoverySettings
	store    *persistence.StoreHandle[DiscoverySettings]

	group  singleflight.Group
	client *http.Client
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewDiscoveryService(o *persistence.Orchestrator, state *ConnectionStateService, opts DiscoveryOptions, logger *zap.SugaredLogger) *DiscoveryService {
	d := &DiscoveryService{
		opts:     opts,
		state:    state,
		settings: DiscoverySettings{ManualPeerURL: normalizeBaseURL(opts.ManualPeerURL)},
		client:   opts.HTTPClient,
		clock:    opts.Clock,
		logger:   logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.opts.Metrics == nil {
		d.opts.Metrics = ports.NopMetrics{}
	}

	d.store = persistence.Register(o, persistence.StoreConfig[DiscoverySettings]{
		Key:       DiscoverySettingsKey,
		Serialize: d.Settings,
	}, d.restore)
	return d
}

// CandidatesFromRange builds candidate base URLs for host over an ascending port range.
func CandidatesFromRange(host string, portStart, portEnd int) []string {
	candidates := make([]string, 0, portEnd-portStart+1)
	for port := portStart; port <= portEnd; port++ {
		candidates = append(candidates, fmt.Sprintf("http://%s:%d", host, port))
	}
	return candidates
}

func (d *DiscoveryService) Settings() DiscoverySettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// SetManualPeer pins discovery to url. An empty url removes the pin.
func (d *DiscoveryService) SetManualPeer(ctx context.Context, url string) error {
	d.mu.Lock()
	d.settings.ManualPeerURL = normalizeBaseURL(url)
	d.mu.Unlock()

	d.logger.Infow("manual peer updated", "url", url)
	return d.store.Persist(ctx)
}

// Discover locates the companion. A pinned address is the only address
// probed. Otherwise a fresh cached peer is verified with a liveness probe,
// and a full parallel scan runs on miss, staleness, failed liveness or force.
// Concurrent calls share one in-flight attempt.
func (d *DiscoveryService) Discover(ctx context.Context, force bool) (*domain.DiscoveredPeer, error) {
	key := "discover"
	if force {
		key = "discover-force"
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.discover(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.DiscoveredPeer), nil
}

func (d *DiscoveryService) discover(ctx context.Context, force bool) (*domain.DiscoveredPeer, error) {
	ctx, span := tracing.TraceDiscovery(ctx, force)
	defer span.End()
	start := d.clock.Now()

	if manual := d.Settings().ManualPeerURL; manual != "" {
		peer, err := d.Probe(ctx, manual, d.opts.ProbeTimeout)
		if err != nil {
			d.logger.Debugw("manual peer probe failed", "url", manual, "error", err)
			d.opts.Metrics.RecordDiscovery(DiscoveryManualDown, d.clock.Since(start))
			return nil, fmt.Errorf("%s: %w", manual, domain.ErrManualPeerUnreachable)
		}
		d.state.SetPeer(peer.URL, peer.MaxSessions)
		d.opts.Metrics.RecordDiscovery(DiscoveryManual, d.clock.Since(start))
		return peer, nil
	}

	if !force {
		if peer := d.checkCache(ctx); peer != nil {
			d.state.SetPeer(peer.URL, peer.MaxSessions)
			d.opts.Metrics.RecordDiscovery(DiscoveryCached, d.clock.Since(start))
			return peer, nil
		}
	}

	peer := d.scan(ctx)
	if peer == nil {
		d.opts.Metrics.RecordDiscovery(DiscoveryNotFound, d.clock.Since(start))
		return nil, domain.ErrPeerNotFound
	}
	d.state.SetPeer(peer.URL, peer.MaxSessions)
	d.opts.Metrics.RecordDiscovery(DiscoveryScanned, d.clock.Since(start))
	d.logger.Infow("companion discovered", "url", peer.URL, "max_sessions", peer.MaxSessions)
	return peer, nil
}

// checkCache returns the cached peer if it is younger than the TTL and alive.
func (d *DiscoveryService) checkCache(ctx context.Context) *domain.DiscoveredPeer {
	st := d.state.Get()
	if !st.HasPeer() {
		return nil
	}
	age, ok := st.DiscoveredAge(d.clock.Now())
	if !ok || age >= d.opts.CacheTTL {
		d.logger.Debugw("cached peer is stale", "url", st.PeerURL, "age", age)
		return nil
	}
	if !d.Alive(ctx, st.PeerURL) {
		d.logger.Debugw("cached peer failed liveness check", "url", st.PeerURL)
		return nil
	}
	return &domain.DiscoveredPeer{URL: st.PeerURL, MaxSessions: st.MaxConcurrentSessions}
}

// scan probes every candidate concurrently and picks the lowest index success.
func (d *DiscoveryService) scan(ctx context.Context) *domain.DiscoveredPeer {
	results := make([]*domain.DiscoveredPeer, len(d.opts.Candidates))

	var wg sync.WaitGroup
	for i, candidate := range d.opts.Candidates {
		wg.Add(1)
		go func(i int, candidate string) {
			defer wg.Done()
			peer, err := d.Probe(ctx, candidate, d.opts.ProbeTimeout)
			if err != nil {
				d.logger.Debugw("probe failed", "candidate", candidate, "error", err)
				return
			}
			results[i] = peer
		}(i, candidate)
	}
	wg.Wait()

	for _, peer := range results {
		if peer != nil {
			return peer
		}
	}
	return nil
}

type healthResponse struct {
	Service string `json:"service"`
	Limits  *struct {
		MaxStreams int `json:"maxStreams"`
	} `json:"limits,omitempty"`
}

// Probe issues GET <baseURL>/health and accepts only the expected service.
func (d *DiscoveryService) Probe(ctx context.Context, baseURL string, timeout time.Duration) (*domain.DiscoveredPeer, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	baseURL = normalizeBaseURL(baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: status %d", baseURL, resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&health); err != nil {
		return nil, fmt.Errorf("probe %s: decode body: %w", baseURL, err)
	}
	if health.Service != d.opts.ServiceName {
		return nil, fmt.Errorf("probe %s: unexpected service %q", baseURL, health.Service)
	}

	peer := &domain.DiscoveredPeer{URL: baseURL}
	if health.Limits != nil {
		peer.MaxSessions = health.Limits.MaxStreams
	}
	return peer, nil
}

// Alive runs the low-timeout liveness probe.
func (d *DiscoveryService) Alive(ctx context.Context, baseURL string) bool {
	_, err := d.Probe(ctx, baseURL, d.opts.LivenessTimeout)
	return err == nil
}

// restore replaces the config seed; a persisted empty pin means the user cleared it.
func (d *DiscoveryService) restore(settings DiscoverySettings) {
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
	d.logger.Debugw("discovery settings restored", "manual_peer_url", settings.ManualPeerURL)
}

func normalizeBaseURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
