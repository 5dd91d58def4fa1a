// Package bridge talks to the privileged execution context over a websocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/pkg/tracing"
)

// Bridge methods.
const (
	MethodGetStatus  = "getStatus"
	MethodConnect    = "connect"
	MethodDisconnect = "disconnect"
	MethodReconnect  = "reconnect"
)

// frame is the single wire envelope. Requests carry Method, responses carry
// the request ID, pushes carry Notification.
type frame struct {
	ID           string                     `json:"id,omitempty"`
	Method       string                     `json:"method,omitempty"`
	Params       json.RawMessage            `json:"params,omitempty"`
	Result       json.RawMessage            `json:"result,omitempty"`
	Error        string                     `json:"error,omitempty"`
	Notification *domain.BridgeNotification `json:"notification,omitempty"`
}

type peerParams struct {
	PeerURL string `json:"peerUrl"`
}

// Options tune the client. Zero values fall back to defaults.
type Options struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

type session struct {
	conn   *websocket.Conn
	done   chan struct{}
	pushes chan domain.BridgeNotification
	err    error
}

// Client is a ports.Bridge over one lazily dialed websocket. Calls are
// correlated by request id; pushes fan out to registered handlers.
type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	current *session

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	handlersMu sync.RWMutex
	handlers   []ports.NotificationHandler

	dial   singleflight.Group
	logger *zap.SugaredLogger
}

var (
	_ ports.Bridge     = (*Client)(nil)
	_ ports.PushSource = (*Client)(nil)
)

func NewClient(url string, opts Options, logger *zap.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Client{
		url:  url,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		pending: make(map[string]chan frame),
		logger:  logger.Sugar().With("component", "bridge"),
	}
}

// OnNotification registers a push handler. Handlers run one at a time in
// arrival order, off the read loop, so they may call back into the client.
func (c *Client) OnNotification(h ports.NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) GetStatus(ctx context.Context) (*domain.BridgeStatus, error) {
	var status domain.BridgeStatus
	if err := c.call(ctx, MethodGetStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Connect(ctx context.Context, peerURL string) error {
	return c.call(ctx, MethodConnect, peerParams{PeerURL: peerURL}, nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.call(ctx, MethodDisconnect, nil, nil)
}

func (c *Client) Reconnect(ctx context.Context, peerURL string) error {
	return c.call(ctx, MethodReconnect, peerParams{PeerURL: peerURL}, nil)
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Serve keeps the socket open until ctx ends. It returns when the socket
// drops so a supervisor can restart it with backoff.
func (c *Client) Serve(ctx context.Context) error {
	s, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("bridge connection lost: %w", s.err)
	}
}

// Close drops the socket and fails in-flight calls. Later calls dial again.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, span := tracing.TraceBridgeCall(ctx, method)
	defer span.End()

	err := c.roundTrip(ctx, method, params, out)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, params any, out any) error {
	s, err := c.ensure(ctx)
	if err != nil {
		return err
	}

	req := frame{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	reply := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(s, req); err != nil {
		return fmt.Errorf("%w: send %s: %w", domain.ErrBridgeUnavailable, method, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return fmt.Errorf("bridge %s: %s", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-s.done:
		return fmt.Errorf("%w: connection closed during %s", domain.ErrBridgeUnavailable, method)
	case <-timer.C:
		return fmt.Errorf("%w: %s timed out after %s", domain.ErrBridgeUnavailable, method, c.opts.RequestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(s *session, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// ensure returns the open session, dialing once for concurrent callers.
func (c *Client) ensure(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if s := c.current; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	v, err, _ := c.dial.Do("dial", func() (any, error) {
		c.mu.Lock()
		if s := c.current; s != nil {
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		conn, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrBridgeUnavailable, c.url, err)
		}
		s := &session{
			conn:   conn,
			done:   make(chan struct{}),
			pushes: make(chan domain.BridgeNotification, 64),
		}

		c.mu.Lock()
		c.current = s
		c.mu.Unlock()

		c.logger.Infow("bridge connected", "url", c.url)
		go c.readLoop(s)
		go c.dispatchLoop(s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (c *Client) readLoop(s *session) {
	defer func() {
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.mu.Unlock()
		s.conn.Close()
		close(s.done)
		close(s.pushes)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("bridge read failed", "error", err)
			} else {
				c.logger.Infow("bridge disconnected", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warnw("dropping malformed bridge frame", "error", err)
			continue
		}

		switch {
		case f.Notification != nil:
			s.pushes <- *f.Notification
		case f.ID != "":
			c.pendingMu.Lock()
			reply, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if !ok {
				c.logger.Debugw("response for unknown request", "id", f.ID)
				continue
			}
			reply <- f
		default:
			c.logger.Debugw("ignoring bridge frame without id or notification")
		}
	}
}

func (c *Client) dispatchLoop(s *session) {
	for n := range s.pushes {
		c.deliver(n)
	}
}

func (c *Client) deliver(n domain.BridgeNotification) {
	c.handlersMu.RLock()
	handlers := append([]ports.NotificationHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Errorw("notification handler panicked", "kind", n.Kind, "panic", p)
				}
			}()
			h(context.Background(), n)
		}()
	}
}

// IsUnavailable reports whether err means the bridge could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrBridgeUnavailable)
}
