package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/core/domain"
)

const testServiceName = "tabcast-companion"

type companion struct {
	*httptest.Server
	hits atomic.Int32
}

func newCompanion(t *testing.T, service string, maxStreams int, delay time.Duration) *companion {
	t.Helper()
	c := &companion{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":%q,"limits":{"maxStreams":%d}}`, service, maxStreams)
	}))
	t.Cleanup(c.Close)
	return c
}

func deadCandidate(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func (f *fixture) discovery(state *ConnectionStateService, candidates []string, manual string) *DiscoveryService {
	return NewDiscoveryService(f.orch, state, DiscoveryOptions{
		Candidates:      candidates,
		ServiceName:     testServiceName,
		ProbeTimeout:    500 * time.Millisecond,
		LivenessTimeout: 200 * time.Millisecond,
		CacheTTL:        5 * time.Minute,
		ManualPeerURL:   manual,
		Clock:           f.clock,
	}, f.logger)
}

func TestDiscover_LowestIndexSuccessWins(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	slowA := newCompanion(t, testServiceName, 2, 150*time.Millisecond)
	fastB := newCompanion(t, testServiceName, 8, 0)
	d := f.discovery(state, []string{slowA.URL, fastB.URL, deadCandidate(t)}, "")

	for i := 0; i < 3; i++ {
		peer, err := d.Discover(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, slowA.URL, peer.URL)
		assert.Equal(t, 2, peer.MaxSessions)
	}

	st := state.Get()
	assert.Equal(t, slowA.URL, st.PeerURL)
	assert.Equal(t, 2, st.MaxConcurrentSessions)
	assert.Equal(t, f.clock.Now(), st.LastDiscoveredAt)
	assert.Empty(t, st.LastError)
}

func TestDiscover_RejectsWrongService(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	impostor := newCompanion(t, "some-other-app", 4, 0)
	genuine := newCompanion(t, testServiceName, 3, 0)
	d := f.discovery(state, []string{impostor.URL, genuine.URL}, "")

	peer, err := d.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, genuine.URL, peer.URL)
}

func TestDiscover_NoPeer(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	d := f.discovery(state, []string{deadCandidate(t), deadCandidate(t)}, "")

	peer, err := d.Discover(context.Background(), false)
	assert.Nil(t, peer)
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	assert.Empty(t, state.Get().PeerURL)
}

func TestDiscover_FreshCacheSkipsScan(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	cached := newCompanion(t, testServiceName, 4, 0)
	other := newCompanion(t, testServiceName, 4, 0)
	d := f.discovery(state, []string{other.URL, cached.URL}, "")

	state.SetPeer(cached.URL, 4)
	f.clock.Add(2 * time.Minute)

	peer, err := d.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, cached.URL, peer.URL)
	assert.Equal(t, int32(1), cached.hits.Load(), "only the liveness probe")
	assert.Equal(t, int32(0), other.hits.Load())
}

func TestDiscover_StaleCacheForcesFullScan(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	first := newCompanion(t, testServiceName, 1, 0)
	cached := newCompanion(t, testServiceName, 4, 0)
	d := f.discovery(state, []string{first.URL, cached.URL}, "")

	state.SetPeer(cached.URL, 4)
	f.clock.Add(6 * time.Minute)

	peer, err := d.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first.URL, peer.URL)
	assert.Equal(t, int32(1), first.hits.Load())
	assert.Equal(t, int32(1), cached.hits.Load(), "scan probe only, no liveness probe")
}

func TestDiscover_FailedLivenessFallsBackToScan(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	live := newCompanion(t, testServiceName, 2, 0)
	d := f.discovery(state, []string{live.URL}, "")

	state.SetPeer(deadCandidate(t), 4)

	peer, err := d.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, live.URL, peer.URL)
}

func TestDiscover_ForceIgnoresFreshCache(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	first := newCompanion(t, testServiceName, 1, 0)
	cached := newCompanion(t, testServiceName, 4, 0)
	d := f.discovery(state, []string{first.URL, cached.URL}, "")
	state.SetPeer(cached.URL, 4)

	peer, err := d.Discover(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first.URL, peer.URL)
}

func TestDiscover_ManualPeerNeverScans(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()

	candidate := newCompanion(t, testServiceName, 4, 0)
	d := f.discovery(state, []string{candidate.URL}, deadCandidate(t))

	peer, err := d.Discover(context.Background(), false)
	assert.Nil(t, peer)
	assert.ErrorIs(t, err, domain.ErrManualPeerUnreachable)
	assert.Equal(t, int32(0), candidate.hits.Load())

	manual := newCompanion(t, testServiceName, 9, 0)
	require.NoError(t, d.SetManualPeer(context.Background(), manual.URL+"/"))

	peer, err = d.Discover(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, manual.URL, peer.URL)
	assert.Equal(t, 9, state.Get().MaxConcurrentSessions)
	assert.Equal(t, int32(0), candidate.hits.Load())
}

func TestDiscoverySettings_PersistAndRestore(t *testing.T) {
	f := newFixture(t)
	state := f.connectionState()
	d := f.discovery(state, nil, "http://seeded:8765")
	assert.Equal(t, "http://seeded:8765", d.Settings().ManualPeerURL)

	require.NoError(t, d.SetManualPeer(context.Background(), ""))
	assert.Equal(t, 1, f.store.Writes(DiscoverySettingsKey))

	// a new process seeded from config still honors the persisted clear
	f2 := newFixture(t)
	raw, err := f.store.Load(context.Background(), DiscoverySettingsKey)
	require.NoError(t, err)
	f2.store.Seed(DiscoverySettingsKey, raw)
	d2 := f2.discovery(f2.connectionState(), nil, "http://seeded:8765")
	f2.orch.RestoreAll(context.Background())
	assert.Empty(t, d2.Settings().ManualPeerURL)
}

func TestCandidatesFromRange(t *testing.T) {
	assert.Equal(t, []string{
		"http://localhost:8765",
		"http://localhost:8766",
		"http://localhost:8767",
	}, CandidatesFromRange("localhost", 8765, 8767))
}
