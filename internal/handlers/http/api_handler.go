package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/monitoring"
	"tabcast/internal/infrastructure/router"
	apperrors "tabcast/pkg/errors"
	"tabcast/pkg/logger"
)

const maxMessageBytes = 1 << 20

// Dispatcher runs one inbound request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) router.Response
}

// SocketHandler upgrades observer connections.
type SocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// APIHandler exposes the message router and probes over HTTP.
type APIHandler struct {
	dispatcher Dispatcher
	health     *monitoring.HealthChecker
	ready      func(ctx context.Context) bool
	sockets    SocketHandler
	gatherer   prometheus.Gatherer
	startedAt  time.Time
}

var (
	_ ports.HTTPHandler      = (*APIHandler)(nil)
	_ ports.WebSocketHandler = (*APIHandler)(nil)
)

type APIHandlerOptions struct {
	Health   *monitoring.HealthChecker
	Ready    func(ctx context.Context) bool
	Sockets  SocketHandler
	Gatherer prometheus.Gatherer // serves /metrics when set
}

func NewAPIHandler(dispatcher Dispatcher, opts APIHandlerOptions) *APIHandler {
	if opts.Health == nil {
		opts.Health = monitoring.NewHealthChecker()
	}
	if opts.Ready == nil {
		opts.Ready = func(context.Context) bool { return true }
	}
	return &APIHandler{
		dispatcher: dispatcher,
		health:     opts.Health,
		ready:      opts.Ready,
		sockets:    opts.Sockets,
		gatherer:   opts.Gatherer,
		startedAt:  time.Now(),
	}
}

func (h *APIHandler) SetupRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/messages", h.PostMessage)
		api.GET("/status", h.GetStatus)
		api.GET("/sessions", h.ListSessions)
	}

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	if h.sockets != nil {
		r.GET("/ws", h.HandleWebSocket)
	}
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// PostMessage dispatches a {type, id, payload} request. Router failures are
// reported in the body; the status code reflects the error code.
func (h *APIHandler) PostMessage(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageBytes))
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "cannot read body", http.StatusBadRequest))
		return
	}

	var req router.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Type == "" {
		c.Error(apperrors.NewInvalidInputError("body must be a JSON object with a type"))
		return
	}
	if req.ID == "" {
		req.ID = logger.RequestID(c.Request.Context())
	}

	resp := h.dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(statusFor(resp), resp)
}

func (h *APIHandler) GetStatus(c *gin.Context) {
	h.dispatchGet(c, "getStatus")
}

func (h *APIHandler) ListSessions(c *gin.Context) {
	h.dispatchGet(c, "listSessions")
}

func (h *APIHandler) dispatchGet(c *gin.Context, typ string) {
	resp := h.dispatcher.Dispatch(c.Request.Context(), router.Request{
		ID:   logger.RequestID(c.Request.Context()),
		Type: typ,
	})
	if !resp.Success {
		c.JSON(statusFor(resp), resp)
		return
	}
	c.JSON(http.StatusOK, resp.Data)
}

func (h *APIHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status.Status,
		"checks":    status.Checks,
		"timestamp": status.Timestamp,
		"uptime":    time.Since(h.startedAt).String(),
	})
}

func (h *APIHandler) Ready(c *gin.Context) {
	if !h.ready(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not_ready",
			"timestamp": time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

func (h *APIHandler) HandleWebSocket(c *gin.Context) {
	h.sockets.HandleWebSocket(c.Writer, c.Request)
}

func statusFor(resp router.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch apperrors.ErrorCode(resp.Code) {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeNoHandler, apperrors.ErrCodePeerNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeBridgeUnavailable, apperrors.ErrCodeServiceUnavailable, apperrors.ErrCodeReconnectExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
