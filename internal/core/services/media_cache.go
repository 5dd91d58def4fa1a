package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/infrastructure/persistence"
)

const MediaCacheKey = "mediaCache"

// MediaCache keeps the last known display state per source. Sessions read it
// for enrichment, so it must be registered before the session registry.
type MediaCache struct {
	mu      sync.RWMutex
	entries map[domain.SourceID]domain.MediaState
	order   []domain.SourceID

	store  *persistence.StoreHandle[[]sourceEntry[domain.MediaState]]
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewMediaCache(o *persistence.Orchestrator, debounce time.Duration, clk clock.Clock, logger *zap.SugaredLogger) *MediaCache {
	if clk == nil {
		clk = clock.New()
	}
	c := &MediaCache{
		entries: make(map[domain.SourceID]domain.MediaState),
		clock:   clk,
		logger:  logger,
	}
	c.store = persistence.Register(o, persistence.StoreConfig[[]sourceEntry[domain.MediaState]]{
		Key:       MediaCacheKey,
		Debounce:  debounce,
		Serialize: c.snapshot,
	}, c.restore)
	return c
}

// Update records the display state of a source.
func (c *MediaCache) Update(sourceID domain.SourceID, title, faviconURL string) domain.MediaState {
	state := domain.MediaState{
		Title:      title,
		FaviconURL: faviconURL,
		UpdatedAt:  c.clock.Now(),
	}

	c.mu.Lock()
	if _, exists := c.entries[sourceID]; !exists {
		c.order = append(c.order, sourceID)
	}
	c.entries[sourceID] = state
	c.mu.Unlock()

	c.store.Schedule()
	return state
}

func (c *MediaCache) Get(sourceID domain.SourceID) (domain.MediaState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.entries[sourceID]
	return state, ok
}

// Remove drops a source and reports whether it was cached.
func (c *MediaCache) Remove(sourceID domain.SourceID) bool {
	c.mu.Lock()
	_, exists := c.entries[sourceID]
	if exists {
		delete(c.entries, sourceID)
		c.order = removeSourceID(c.order, sourceID)
	}
	c.mu.Unlock()

	if exists {
		c.store.Schedule()
	}
	return exists
}

func (c *MediaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MediaCache) Flush(ctx context.Context) error {
	return c.store.Persist(ctx)
}

func (c *MediaCache) snapshot() []sourceEntry[domain.MediaState] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]sourceEntry[domain.MediaState], 0, len(c.order))
	for _, id := range c.order {
		out = append(out, sourceEntry[domain.MediaState]{SourceID: id, Value: c.entries[id]})
	}
	return out
}

func (c *MediaCache) restore(entries []sourceEntry[domain.MediaState]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[domain.SourceID]domain.MediaState, len(entries))
	c.order = c.order[:0]
	for _, e := range entries {
		if _, dup := c.entries[e.SourceID]; !dup {
			c.order = append(c.order, e.SourceID)
		}
		c.entries[e.SourceID] = e.Value
	}
	c.logger.Debugw("media cache restored", "entries", len(c.entries))
}

func removeSourceID(ids []domain.SourceID, target domain.SourceID) []domain.SourceID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
