// Package signal serves observers over websocket: they receive every
// notification and may send router requests on the same socket.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/router"
	apperrors "tabcast/pkg/errors"
)

// Dispatcher handles inbound observer requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) router.Response
}

// Config tunes observer connections.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	CheckOrigin  func(r *http.Request) bool

	// OnCount observes the observer count after every change.
	OnCount func(n int)
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   32,
	}
}

// envelope is what observers receive: either an event or a response.
type envelope struct {
	Kind     string           `json:"kind"`
	Event    *domain.Event    `json:"event,omitempty"`
	Response *router.Response `json:"response,omitempty"`
}

type observer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (o *observer) close() {
	o.once.Do(func() {
		close(o.done)
		o.conn.Close()
	})
}

// Hub is a ports.Notifier that broadcasts to every connected observer.
// Observers that fall behind are disconnected rather than blocking the caller.
type Hub struct {
	cfg        Config
	upgrader   websocket.Upgrader
	dispatcher Dispatcher

	mu        sync.RWMutex
	observers map[string]*observer

	logger *zap.SugaredLogger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(dispatcher Dispatcher, cfg Config, logger *zap.SugaredLogger) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		cfg:        cfg,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		observers: make(map[string]*observer),
		logger:    logger,
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Notify broadcasts event. No observers is not an error.
func (h *Hub) Notify(_ context.Context, event domain.Event) {
	data, err := json.Marshal(envelope{Kind: "event", Event: &event})
	if err != nil {
		h.logger.Errorw("failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		select {
		case o.send <- data:
		case <-o.done:
		default:
			h.logger.Warnw("observer too slow, disconnecting", "observer_id", o.id, "event", event.Type)
			h.remove(o)
		}
	}
}

// HandleWebSocket upgrades the request and serves one observer until it leaves.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	o := &observer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.observers[o.id] = o
	n := len(h.observers)
	h.mu.Unlock()
	h.reportCount(n)
	h.logger.Infow("observer connected", "observer_id", o.id, "remote", r.RemoteAddr)

	go h.writeLoop(o)
	h.readLoop(r.Context(), o)

	h.remove(o)
	h.logger.Infow("observer disconnected", "observer_id", o.id)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.observers
	h.observers = make(map[string]*observer)
	h.mu.Unlock()
	for _, o := range all {
		o.close()
	}
	h.reportCount(0)
}

func (h *Hub) remove(o *observer) {
	h.mu.Lock()
	_, present := h.observers[o.id]
	delete(h.observers, o.id)
	n := len(h.observers)
	h.mu.Unlock()
	o.close()
	if present {
		h.reportCount(n)
	}
}

func (h *Hub) reportCount(n int) {
	if h.cfg.OnCount != nil {
		h.cfg.OnCount(n)
	}
}

func (h *Hub) readLoop(ctx context.Context, o *observer) {
	o.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Infow("error reading from observer", "observer_id", o.id, "error", err)
			}
			return
		}
		o.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var req router.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			h.reply(o, router.Response{ID: req.ID, Error: "malformed request", Code: string(apperrors.ErrCodeInvalidInput)})
			continue
		}
		if h.dispatcher == nil {
			continue
		}
		// Requests from one observer are served in order.
		resp := h.dispatcher.Dispatch(ctx, req)
		h.reply(o, resp)
	}
}

func (h *Hub) reply(o *observer, resp router.Response) {
	data, err := json.Marshal(envelope{Kind: "response", Response: &resp})
	if err != nil {
		h.logger.Errorw("failed to encode response", "type", resp.Type, "error", err)
		return
	}
	select {
	case o.send <- data:
	case <-o.done:
	}
}

func (h *Hub) writeLoop(o *observer) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Infow("error writing to observer", "observer_id", o.id, "error", err)
				h.remove(o)
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(o)
				return
			}
		case <-o.done:
			return
		}
	}
}
