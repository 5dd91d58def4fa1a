package services

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"tabcast/internal/infrastructure/persistence"
	"tabcast/internal/infrastructure/repositories/memory"
	"tabcast/internal/testutil"
	"tabcast/pkg/i18n"
)

type fixture struct {
	clock    *clock.Mock
	store    *memory.MemoryStateStore
	orch     *persistence.Orchestrator
	notifier *testutil.RecordingNotifier
	power    *testutil.FakePower
	logger   *zap.SugaredLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewMemoryStateStore()
	return &fixture{
		clock:    clk,
		store:    store,
		orch:     persistence.NewOrchestrator(store, clk, nil, logger),
		notifier: &testutil.RecordingNotifier{},
		power:    &testutil.FakePower{},
		logger:   logger,
	}
}

func (f *fixture) connectionState() *ConnectionStateService {
	return NewConnectionStateService(f.orch, ConnectionStateOptions{
		Debounce: 300 * time.Millisecond,
		Clock:    f.clock,
		Notifier: f.notifier,
		Printer:  i18n.NewPrinter("en"),
	}, f.logger)
}

func (f *fixture) mediaCache() *MediaCache {
	return NewMediaCache(f.orch, time.Second, f.clock, f.logger)
}

func (f *fixture) sessionRegistry(media *MediaCache) *SessionRegistry {
	return NewSessionRegistry(f.orch, SessionRegistryOptions{
		Power:    f.power,
		Notifier: f.notifier,
		Media:    media,
		Clock:    f.clock,
	}, f.logger)
}
