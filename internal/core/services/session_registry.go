package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/persistence"
)

const ActiveSessionsKey = "activeSessions"

// RegisterSession is the input to SessionRegistry.Register.
type RegisterSession struct {
	SourceID      domain.SourceID
	StreamID      domain.StreamID
	SpeakerIPs    []string
	SpeakerNames  []string
	EncoderConfig json.RawMessage
}

// SessionRegistry tracks active cast sessions keyed by source. The wake-lock
// is held exactly while the registry is non-empty; both transitions happen
// under the registry lock.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.SourceID]*domain.CastSession
	order    []domain.SourceID

	store    *persistence.StoreHandle[[]sourceEntry[*domain.CastSession]]
	power    ports.PowerManager
	notifier ports.Notifier
	media    *MediaCache
	clock    clock.Clock
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

type SessionRegistryOptions struct {
	Power    ports.PowerManager
	Notifier ports.Notifier
	Media    *MediaCache
	Clock    clock.Clock
	Metrics  ports.MetricsRecorder
}

func NewSessionRegistry(o *persistence.Orchestrator, opts SessionRegistryOptions, logger *zap.SugaredLogger) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[domain.SourceID]*domain.CastSession),
		power:    opts.Power,
		notifier: opts.Notifier,
		media:    opts.Media,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.metrics == nil {
		r.metrics = ports.NopMetrics{}
	}

	r.store = persistence.Register(o, persistence.StoreConfig[[]sourceEntry[*domain.CastSession]]{
		Key:       ActiveSessionsKey,
		Serialize: r.snapshot,
		Restore: func(raw []byte) ([]sourceEntry[*domain.CastSession], error) {
			return decodeSessions(raw, logger)
		},
	}, r.restore)
	return r
}

// Register starts tracking a session. A session already registered for the
// same source is replaced (last write wins).
func (r *SessionRegistry) Register(ctx context.Context, req RegisterSession) (*domain.CastSession, error) {
	session := &domain.CastSession{
		StreamID:      req.StreamID,
		SourceID:      req.SourceID,
		SpeakerIPs:    append([]string(nil), req.SpeakerIPs...),
		SpeakerNames:  append([]string(nil), req.SpeakerNames...),
		EncoderConfig: append(json.RawMessage(nil), req.EncoderConfig...),
		StartedAt:     r.clock.Now(),
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	for id, existing := range r.sessions {
		if id != req.SourceID && existing.StreamID == req.StreamID {
			r.mu.Unlock()
			return nil, fmt.Errorf("stream %s: %w", req.StreamID, domain.ErrDuplicateStream)
		}
	}

	if previous, exists := r.sessions[req.SourceID]; exists {
		r.logger.Infow("replacing existing session for source",
			"source_id", req.SourceID,
			"previous_stream_id", previous.StreamID,
			"stream_id", req.StreamID,
		)
	} else {
		r.order = append(r.order, req.SourceID)
	}
	r.sessions[req.SourceID] = session
	// a failed acquire is retried on the next register
	if r.power != nil && !r.power.Held() {
		r.acquireWakeLock(ctx)
	}
	size := len(r.sessions)
	r.mu.Unlock()

	r.logger.Infow("session registered",
		"source_id", req.SourceID,
		"stream_id", req.StreamID,
		"speakers", len(session.SpeakerIPs),
	)
	r.afterMutation(ctx, size)
	return session.Clone(), nil
}

// Remove stops tracking the session of a source.
func (r *SessionRegistry) Remove(ctx context.Context, sourceID domain.SourceID) bool {
	r.mu.Lock()
	removed := r.removeLocked(ctx, sourceID)
	size := len(r.sessions)
	r.mu.Unlock()

	if !removed {
		return false
	}
	r.logger.Infow("session removed", "source_id", sourceID)
	r.afterMutation(ctx, size)
	return true
}

// RemoveSpeaker drops one destination from a session. Removing the last
// destination removes the whole session.
func (r *SessionRegistry) RemoveSpeaker(ctx context.Context, sourceID domain.SourceID, ip string) (bool, error) {
	r.mu.Lock()
	session, exists := r.sessions[sourceID]
	if !exists {
		r.mu.Unlock()
		return false, fmt.Errorf("source %d: %w", sourceID, domain.ErrSessionNotFound)
	}
	idx := session.SpeakerIndex(ip)
	if idx < 0 {
		r.mu.Unlock()
		return false, nil
	}

	updated := session.Clone()
	updated.SpeakerIPs = append(updated.SpeakerIPs[:idx], updated.SpeakerIPs[idx+1:]...)
	updated.SpeakerNames = append(updated.SpeakerNames[:idx], updated.SpeakerNames[idx+1:]...)
	last := len(updated.SpeakerIPs) == 0
	if last {
		r.removeLocked(ctx, sourceID)
	} else {
		r.sessions[sourceID] = updated
	}
	size := len(r.sessions)
	r.mu.Unlock()

	if last {
		r.logger.Infow("last speaker removed, session ended", "source_id", sourceID, "speaker_ip", ip)
	} else {
		r.logger.Infow("speaker removed from session", "source_id", sourceID, "speaker_ip", ip, "remaining", len(updated.SpeakerIPs))
	}
	r.afterMutation(ctx, size)
	return true, nil
}

func (r *SessionRegistry) Has(sourceID domain.SourceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sourceID]
	return ok
}

func (r *SessionRegistry) Get(sourceID domain.SourceID) (*domain.CastSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sourceID]
	return session.Clone(), ok
}

// FindBySpeakerIP returns the first session streaming to ip.
func (r *SessionRegistry) FindBySpeakerIP(ip string) (*domain.CastSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if session := r.sessions[id]; session.SpeakerIndex(ip) >= 0 {
			return session.Clone(), true
		}
	}
	return nil, false
}

func (r *SessionRegistry) FindByStreamID(streamID domain.StreamID) (*domain.CastSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if session := r.sessions[id]; session.StreamID == streamID {
			return session.Clone(), true
		}
	}
	return nil, false
}

// List returns copies of all sessions in registration order.
func (r *SessionRegistry) List() []*domain.CastSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.CastSession, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].Clone())
	}
	return out
}

// ListEnriched returns sessions with cached titles and favicons attached.
func (r *SessionRegistry) ListEnriched() []domain.SessionView {
	sessions := r.List()
	views := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		view := domain.SessionView{CastSession: s}
		if r.media != nil {
			if state, ok := r.media.Get(s.SourceID); ok {
				view.Title = state.Title
				view.FaviconURL = state.FaviconURL
			}
		}
		views = append(views, view)
	}
	return views
}

func (r *SessionRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Flush writes the registry immediately.
func (r *SessionRegistry) Flush(ctx context.Context) error {
	return r.store.Persist(ctx)
}

// removeLocked deletes a session and releases the wake-lock on the last one.
// Caller holds r.mu.
func (r *SessionRegistry) removeLocked(ctx context.Context, sourceID domain.SourceID) bool {
	if _, exists := r.sessions[sourceID]; !exists {
		return false
	}
	delete(r.sessions, sourceID)
	r.order = removeSourceID(r.order, sourceID)
	if len(r.sessions) == 0 {
		r.releaseWakeLock(ctx)
	}
	return true
}

func (r *SessionRegistry) acquireWakeLock(ctx context.Context) {
	if r.power == nil {
		return
	}
	if err := r.power.Acquire(ctx); err != nil {
		r.logger.Warnw("failed to acquire wake-lock", "error", err)
	}
	r.metrics.SetWakeLockHeld(r.power.Held())
}

func (r *SessionRegistry) releaseWakeLock(ctx context.Context) {
	if r.power == nil {
		return
	}
	if err := r.power.Release(ctx); err != nil {
		r.logger.Warnw("failed to release wake-lock", "error", err)
	}
	r.metrics.SetWakeLockHeld(r.power.Held())
}

func (r *SessionRegistry) afterMutation(ctx context.Context, size int) {
	r.metrics.SetActiveSessions(size)

	if err := r.store.Persist(ctx); err != nil {
		r.logger.Warnw("failed to persist sessions", "error", err)
	}

	if r.notifier != nil {
		r.notifier.Notify(ctx, domain.Event{
			Type:      domain.EventSessionsChanged,
			Payload:   r.ListEnriched(),
			Timestamp: r.clock.Now(),
		})
	}
}

func (r *SessionRegistry) snapshot() []sourceEntry[*domain.CastSession] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sourceEntry[*domain.CastSession], 0, len(r.order))
	for _, id := range r.order {
		out = append(out, sourceEntry[*domain.CastSession]{SourceID: id, Value: r.sessions[id].Clone()})
	}
	return out
}

func (r *SessionRegistry) restore(entries []sourceEntry[*domain.CastSession]) {
	ctx := context.Background()

	r.mu.Lock()
	r.sessions = make(map[domain.SourceID]*domain.CastSession, len(entries))
	r.order = r.order[:0]
	streams := make(map[domain.StreamID]struct{}, len(entries))
	for _, e := range entries {
		session := e.Value
		if session == nil {
			continue
		}
		session.SourceID = e.SourceID
		if err := session.Validate(); err != nil {
			r.logger.Warnw("dropping invalid persisted session", "source_id", e.SourceID, "error", err)
			continue
		}
		if _, dup := streams[session.StreamID]; dup {
			r.logger.Warnw("dropping persisted session with duplicate stream id", "source_id", e.SourceID, "stream_id", session.StreamID)
			continue
		}
		if _, dup := r.sessions[e.SourceID]; !dup {
			r.order = append(r.order, e.SourceID)
		}
		streams[session.StreamID] = struct{}{}
		r.sessions[e.SourceID] = session
	}

	size := len(r.sessions)
	switch {
	case size > 0 && (r.power == nil || !r.power.Held()):
		r.acquireWakeLock(ctx)
	case size == 0 && r.power != nil && r.power.Held():
		r.releaseWakeLock(ctx)
	}
	r.mu.Unlock()

	r.metrics.SetActiveSessions(size)
	r.logger.Infow("sessions restored", "count", size)
}

// legacySession accepts both the current shape and the single-destination
// shape that stored speakerIp/speakerName as scalars.
type legacySession struct {
	domain.CastSession
	SpeakerIP   string `json:"speakerIp,omitempty"`
	SpeakerName string `json:"speakerName,omitempty"`
}

// decodeSessions parses the persisted registry, promoting legacy entries to
// speaker arrays. Already-migrated entries pass through unchanged.
func decodeSessions(raw []byte, logger *zap.SugaredLogger) ([]sourceEntry[*domain.CastSession], error) {
	var entries []sourceEntry[legacySession]
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}

	out := make([]sourceEntry[*domain.CastSession], 0, len(entries))
	for _, e := range entries {
		session := e.Value.CastSession
		if len(session.SpeakerIPs) == 0 && e.Value.SpeakerIP != "" {
			session.SpeakerIPs = []string{e.Value.SpeakerIP}
			session.SpeakerNames = []string{e.Value.SpeakerName}
			logger.Infow("migrated legacy single-speaker session",
				"source_id", e.SourceID,
				"stream_id", session.StreamID,
			)
		}
		out = append(out, sourceEntry[*domain.CastSession]{SourceID: e.SourceID, Value: &session})
	}
	return out, nil
}
