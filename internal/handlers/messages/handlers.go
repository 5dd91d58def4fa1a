// Package messages binds the inbound request vocabulary to the core services.
package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/core/services"
	"tabcast/internal/infrastructure/persistence"
	"tabcast/internal/infrastructure/router"
	apperrors "tabcast/pkg/errors"
	"tabcast/pkg/logger"
	"tabcast/pkg/tracing"
	"tabcast/pkg/validation"
)

// Request types.
const (
	TypeGetStatus     = "getStatus"
	TypeDiscover      = "discover"
	TypeSetManualPeer = "setManualPeer"
	TypeConnect       = "connect"
	TypeDisconnect    = "disconnect"
	TypeReconnect     = "reconnect"
	TypeStartSession  = "startSession"
	TypeStopSession   = "stopSession"
	TypeRemoveSpeaker = "removeSpeaker"
	TypeGetSession    = "getSession"
	TypeListSessions  = "listSessions"
	TypeFindSession   = "findSession"
	TypeUpdateMedia   = "updateMedia"
	TypeSourceClosed  = "sourceClosed"
	TypeFlush         = "flush"
)

// Deps are the services the handlers drive.
type Deps struct {
	State        *services.ConnectionStateService
	Registry     *services.SessionRegistry
	Media        *services.MediaCache
	Discovery    *services.DiscoveryService
	Connection   *services.ConnectionManager
	Recovery     *services.RecoveryService
	Orchestrator *persistence.Orchestrator
	Notifier     ports.Notifier
	Clock        func() time.Time
}

// Handlers holds the request handlers.
type Handlers struct {
	d      Deps
	logger *logger.ContextLogger
}

func New(d Deps, log *zap.Logger) *Handlers {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Handlers{d: d, logger: logger.NewContextLogger(log)}
}

// Register adds every request type, including the bridge push names, to r.
func (h *Handlers) Register(r *router.Router) error {
	table := map[string]router.HandlerFunc{
		TypeGetStatus:     h.getStatus,
		TypeDiscover:      h.discover,
		TypeSetManualPeer: h.setManualPeer,
		TypeConnect:       h.connect,
		TypeDisconnect:    h.disconnect,
		TypeReconnect:     h.reconnect,
		TypeStartSession:  h.startSession,
		TypeStopSession:   h.stopSession,
		TypeRemoveSpeaker: h.removeSpeaker,
		TypeGetSession:    h.getSession,
		TypeListSessions:  h.listSessions,
		TypeFindSession:   h.findSession,
		TypeUpdateMedia:   h.updateMedia,
		TypeSourceClosed:  h.sourceClosed,
		TypeFlush:         h.flush,
	}
	for _, kind := range []domain.NotificationKind{
		domain.NotifyConnected,
		domain.NotifyTemporarilyLost,
		domain.NotifyPermanentlyLost,
		domain.NotifyEvent,
		domain.NotifyReady,
	} {
		table[string(kind)] = h.bridgePush(kind)
	}

	for name, fn := range table {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// decode parses payload into v and runs its validate tags. An empty payload
// decodes as {}.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed payload", 400)
	}
	if err := validation.ValidateStruct(v); err != nil {
		return invalid(err)
	}
	return nil
}

func invalid(err error) error {
	return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), 400)
}

// StatusView is the getStatus result.
type StatusView struct {
	Connection     domain.ConnectionState `json:"connection"`
	ActiveSessions int                    `json:"activeSessions"`
	ManualPeerURL  string                 `json:"manualPeerUrl,omitempty"`
	Phase          string                 `json:"phase"`
	WakeLockHeld   bool                   `json:"wakeLockHeld"`
}

func (h *Handlers) getStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	view := StatusView{
		Connection:     h.d.State.Get(),
		ActiveSessions: h.d.Registry.Size(),
	}
	if h.d.Discovery != nil {
		view.ManualPeerURL = h.d.Discovery.Settings().ManualPeerURL
	}
	if h.d.Recovery != nil {
		view.Phase = h.d.Recovery.Phase().String()
	}
	view.WakeLockHeld = view.ActiveSessions > 0
	return view, nil
}

type discoverRequest struct {
	Force bool `json:"force"`
}

func (h *Handlers) discover(ctx context.Context, payload json.RawMessage) (any, error) {
	var req discoverRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	peer, err := h.d.Discovery.Discover(ctx, req.Force)
	if err != nil {
		return nil, err
	}
	return peer, nil
}

type setManualPeerRequest struct {
	URL string `json:"url"`
}

func (h *Handlers) setManualPeer(ctx context.Context, payload json.RawMessage) (any, error) {
	var req setManualPeerRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	// Empty clears the pin.
	if req.URL != "" {
		if err := validation.ValidatePeerURL(req.URL); err != nil {
			return nil, invalid(err)
		}
	}
	if err := h.d.Discovery.SetManualPeer(ctx, req.URL); err != nil {
		return nil, err
	}
	return h.d.Discovery.Settings(), nil
}

type connectRequest struct {
	PeerURL string `json:"peerUrl"`
}

func (h *Handlers) connect(ctx context.Context, payload json.RawMessage) (any, error) {
	var req connectRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.PeerURL != "" {
		if err := validation.ValidatePeerURL(req.PeerURL); err != nil {
			return nil, invalid(err)
		}
	}
	if err := h.d.Connection.Connect(ctx, req.PeerURL); err != nil {
		return nil, err
	}
	return h.d.State.Get(), nil
}

func (h *Handlers) disconnect(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.d.Connection.Disconnect(ctx); err != nil {
		return nil, err
	}
	return h.d.State.Get(), nil
}

func (h *Handlers) reconnect(ctx context.Context, payload json.RawMessage) (any, error) {
	var req connectRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.PeerURL != "" {
		if err := validation.ValidatePeerURL(req.PeerURL); err != nil {
			return nil, invalid(err)
		}
	}
	if err := h.d.Connection.Reconnect(ctx, req.PeerURL); err != nil {
		return nil, err
	}
	return h.d.State.Get(), nil
}

type startSessionRequest struct {
	SourceID      *int            `json:"sourceId" validate:"required"`
	StreamID      string          `json:"streamId" validate:"required"`
	SpeakerIPs    []string        `json:"speakerIps" validate:"required,min=1,dive,ip"`
	SpeakerNames  []string        `json:"speakerNames" validate:"required,min=1,dive,required"`
	EncoderConfig json.RawMessage `json:"encoderConfig"`
	Title         string          `json:"title"`
	FaviconURL    string          `json:"faviconUrl"`
}

func (r *startSessionRequest) validate() error {
	if err := validation.ValidateSourceID(*r.SourceID); err != nil {
		return err
	}
	if err := validation.ValidateStreamID(r.StreamID); err != nil {
		return err
	}
	if err := validation.ValidateSpeakers(r.SpeakerIPs, r.SpeakerNames); err != nil {
		return err
	}
	if err := validation.ValidateTitle(r.Title); err != nil {
		return err
	}
	return validation.ValidateOptionalURL(r.FaviconURL)
}

func (h *Handlers) startSession(ctx context.Context, payload json.RawMessage) (any, error) {
	var req startSessionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, invalid(err)
	}
	sourceID := domain.SourceID(*req.SourceID)
	ctx = logger.WithSourceID(ctx, *req.SourceID)
	tracing.AddSpanAttributes(ctx, tracing.SourceIDKey.Int(*req.SourceID))

	if limit := h.d.State.Get().MaxConcurrentSessions; limit > 0 &&
		!h.d.Registry.Has(sourceID) && h.d.Registry.Size() >= limit {
		return nil, fmt.Errorf("%d sessions active: %w", limit, domain.ErrMaxSessionsReached)
	}

	session, err := h.d.Registry.Register(ctx, services.RegisterSession{
		SourceID:      sourceID,
		StreamID:      domain.StreamID(req.StreamID),
		SpeakerIPs:    req.SpeakerIPs,
		SpeakerNames:  req.SpeakerNames,
		EncoderConfig: req.EncoderConfig,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateStream) {
			return nil, err
		}
		return nil, invalid(err)
	}

	// Media only after the registry accepted the session; observers get a
	// second sessionsChanged carrying the title.
	if req.Title != "" || req.FaviconURL != "" {
		h.d.Media.Update(sourceID, req.Title, req.FaviconURL)
		h.notifySessions(ctx)
	}
	h.logger.LogInfo(ctx, "session started")
	return session, nil
}

type sourceRequest struct {
	SourceID *int `json:"sourceId" validate:"required"`
}

func (r *sourceRequest) id() (domain.SourceID, error) {
	if err := validation.ValidateSourceID(*r.SourceID); err != nil {
		return 0, invalid(err)
	}
	return domain.SourceID(*r.SourceID), nil
}

type removedResult struct {
	Removed bool `json:"removed"`
}

func (h *Handlers) stopSession(ctx context.Context, payload json.RawMessage) (any, error) {
	var req sourceRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	return removedResult{Removed: h.d.Registry.Remove(ctx, id)}, nil
}

type removeSpeakerRequest struct {
	SourceID  *int   `json:"sourceId" validate:"required"`
	SpeakerIP string `json:"speakerIp" validate:"required,ip"`
}

func (h *Handlers) removeSpeaker(ctx context.Context, payload json.RawMessage) (any, error) {
	var req removeSpeakerRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateSourceID(*req.SourceID); err != nil {
		return nil, invalid(err)
	}
	removed, err := h.d.Registry.RemoveSpeaker(ctx, domain.SourceID(*req.SourceID), req.SpeakerIP)
	if err != nil {
		return nil, err
	}
	return removedResult{Removed: removed}, nil
}

func (h *Handlers) getSession(_ context.Context, payload json.RawMessage) (any, error) {
	var req sourceRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	session, ok := h.d.Registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("source %d: %w", id, domain.ErrSessionNotFound)
	}
	return session, nil
}

func (h *Handlers) listSessions(context.Context, json.RawMessage) (any, error) {
	return h.d.Registry.ListEnriched(), nil
}

type findSessionRequest struct {
	SpeakerIP string `json:"speakerIp" validate:"required_without=StreamID,omitempty,ip"`
	StreamID  string `json:"streamId" validate:"required_without=SpeakerIP"`
}

func (h *Handlers) findSession(_ context.Context, payload json.RawMessage) (any, error) {
	var req findSessionRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	var (
		session *domain.CastSession
		ok      bool
	)
	if req.SpeakerIP != "" {
		session, ok = h.d.Registry.FindBySpeakerIP(req.SpeakerIP)
	} else {
		session, ok = h.d.Registry.FindByStreamID(domain.StreamID(req.StreamID))
	}
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

type updateMediaRequest struct {
	SourceID   *int   `json:"sourceId" validate:"required"`
	Title      string `json:"title"`
	FaviconURL string `json:"faviconUrl"`
}

func (h *Handlers) updateMedia(ctx context.Context, payload json.RawMessage) (any, error) {
	var req updateMediaRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateSourceID(*req.SourceID); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateTitle(req.Title); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateOptionalURL(req.FaviconURL); err != nil {
		return nil, invalid(err)
	}

	sourceID := domain.SourceID(*req.SourceID)
	media := h.d.Media.Update(sourceID, req.Title, req.FaviconURL)
	if h.d.Registry.Has(sourceID) {
		h.notifySessions(ctx)
	}
	return media, nil
}

func (h *Handlers) sourceClosed(ctx context.Context, payload json.RawMessage) (any, error) {
	var req sourceRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, err := req.id()
	if err != nil {
		return nil, err
	}
	removed := h.d.Registry.Remove(ctx, id)
	h.d.Media.Remove(id)
	return removedResult{Removed: removed}, nil
}

func (h *Handlers) flush(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.d.Orchestrator.PersistAll(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"flushed": h.d.Orchestrator.Keys()}, nil
}

type bridgePushRequest struct {
	Peer   *domain.DiscoveredPeer `json:"peer,omitempty"`
	Reason string                 `json:"reason,omitempty"`
	Event  json.RawMessage        `json:"event,omitempty"`
}

// Dispatcher runs one routed request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) router.Response
}

// ForwardPushes turns bridge pushes into routed requests so they queue behind
// the ready gate like any other request. Pushes are handled one at a time in
// arrival order.
func ForwardPushes(d Dispatcher, log *zap.SugaredLogger) ports.NotificationHandler {
	return func(ctx context.Context, n domain.BridgeNotification) {
		payload, err := json.Marshal(bridgePushRequest{Peer: n.Peer, Reason: n.Reason, Event: n.Event})
		if err != nil {
			log.Warnw("dropping unencodable bridge push", "kind", n.Kind, "error", err)
			return
		}
		resp := d.Dispatch(ctx, router.Request{Type: string(n.Kind), Payload: payload})
		switch {
		case !resp.Handled:
			log.Debugw("ignoring unknown bridge push", "kind", n.Kind)
		case !resp.Success:
			log.Warnw("bridge push rejected", "kind", n.Kind, "code", resp.Code, "error", resp.Error)
		}
	}
}

func (h *Handlers) bridgePush(kind domain.NotificationKind) router.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req bridgePushRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if kind == domain.NotifyConnected {
			if req.Peer == nil {
				return nil, apperrors.NewInvalidInputError("peer is required")
			}
			if err := validation.ValidatePeerURL(req.Peer.URL); err != nil {
				return nil, invalid(err)
			}
		}
		h.d.Connection.HandleNotification(ctx, domain.BridgeNotification{
			Kind:   kind,
			Peer:   req.Peer,
			Reason: req.Reason,
			Event:  req.Event,
		})
		return nil, nil
	}
}

func (h *Handlers) notifySessions(ctx context.Context) {
	if h.d.Notifier == nil {
		return
	}
	h.d.Notifier.Notify(ctx, domain.Event{
		Type:      domain.EventSessionsChanged,
		Payload:   h.d.Registry.ListEnriched(),
		Timestamp: h.d.Clock(),
	})
}
