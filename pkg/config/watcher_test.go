package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, path, body string) {
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestWatcher_ReloadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")
	initial, err := Load(path)
	require.NoError(t, err)

	var calls int
	w := NewWatcher(path, initial, func(_, _ *Config) { calls++ }, zaptest.NewLogger(t).Sugar())

	writeConfig(t, path, "discovery:\n  cache_ttl: 0s\n")
	assert.False(t, w.Reload())
	assert.Same(t, initial, w.Current())
	assert.Zero(t, calls)

	writeConfig(t, path, "logging:\n  level: debug\n")
	assert.True(t, w.Reload())
	assert.Equal(t, "debug", w.Current().Logging.Level)
	assert.Equal(t, 1, calls)
}

func TestWatcher_PicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")
	initial, err := Load(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []string
	w := NewWatcher(path, initial, func(old, updated *Config) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, old.Logging.Level+"->"+updated.Logging.Level)
	}, zaptest.NewLogger(t).Sugar())
	w.settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	// Give the watcher a moment to register before editing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "logging:\n  level: warn\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "info->warn"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
