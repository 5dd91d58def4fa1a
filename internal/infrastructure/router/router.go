// Package router dispatches named inbound requests to registered handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	apperrors "tabcast/pkg/errors"
	"tabcast/pkg/logger"
	"tabcast/pkg/tracing"
)

// Dispatch outcomes reported to the Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomePanic     = "panic"
	OutcomeNoHandler = "no_handler"
	OutcomeNotReady  = "not_ready"
)

// Request is one inbound message.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is always returned; handler errors never cross Dispatch.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Handled bool   `json:"handled"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HandlerFunc handles one request type. It must validate payload before
// mutating any state.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Recorder receives dispatch metrics. A nil Recorder is allowed.
type Recorder interface {
	RecordDispatch(requestType, outcome string, duration time.Duration)
}

// Router is an append-only dispatch table guarded by a readiness gate.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	gate     ports.ReadyGate
	recorder Recorder
	logger   *logger.ContextLogger
}

func New(gate ports.ReadyGate, recorder Recorder, log *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		gate:     gate,
		recorder: recorder,
		logger:   logger.NewContextLogger(log),
	}
}

// Register adds a handler. Names can be registered only once.
func (r *Router) Register(name string, h HandlerFunc) error {
	if name == "" || h == nil {
		return fmt.Errorf("router: empty name or nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on duplicates.
func (r *Router) MustRegister(name string, h HandlerFunc) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Names lists registered request types.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a handler is registered for name.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Dispatch runs the handler for req. Unknown types return Handled=false
// without waiting for readiness; known types wait for the gate first.
func (r *Router) Dispatch(ctx context.Context, req Request) (resp Response) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logger.WithRequestID(ctx, req.ID)
	resp = Response{ID: req.ID, Type: req.Type}
	start := time.Now()

	r.mu.RLock()
	h, ok := r.handlers[req.Type]
	r.mu.RUnlock()
	if !ok {
		appErr := apperrors.NewNoHandlerError(req.Type)
		resp.Error = appErr.Message
		resp.Code = string(appErr.Code)
		r.record(req.Type, OutcomeNoHandler, start)
		return resp
	}
	resp.Handled = true

	ctx, span := tracing.TraceDispatch(ctx, req.Type)
	defer span.End()

	if r.gate != nil {
		if err := r.gate.WaitReady(ctx); err != nil {
			r.fail(&resp, err)
			r.record(req.Type, OutcomeNotReady, start)
			return resp
		}
	}

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("handler %s panicked: %v", req.Type, p)
			r.logger.LogError(ctx, err, "handler panic recovered", zap.String("type", req.Type))
			tracing.RecordError(ctx, err)
			resp.Success = false
			resp.Data = nil
			resp.Error = "internal error"
			resp.Code = string(apperrors.ErrCodeInternal)
			r.record(req.Type, OutcomePanic, start)
		}
	}()

	data, err := h(ctx, req.Payload)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Sugar(ctx).Debugw("handler returned error", "type", req.Type, "error", err)
		r.fail(&resp, err)
		r.record(req.Type, OutcomeError, start)
		return resp
	}

	resp.Success = true
	resp.Data = data
	r.record(req.Type, OutcomeSuccess, start)
	return resp
}

func (r *Router) fail(resp *Response, err error) {
	code := ErrorCode(err)
	resp.Success = false
	resp.Code = string(code)
	if appErr := apperrors.GetAppError(err); appErr != nil {
		resp.Error = appErr.Message
		return
	}
	resp.Error = err.Error()
}

func (r *Router) record(requestType, outcome string, start time.Time) {
	if r.recorder != nil {
		r.recorder.RecordDispatch(requestType, outcome, time.Since(start))
	}
}

// ErrorCode maps an error to the stable code sent to callers.
func ErrorCode(err error) apperrors.ErrorCode {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.Code
	}
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.ErrCodeNotFound
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrManualPeerUnreachable), errors.Is(err, domain.ErrNoPeerURL):
		return apperrors.ErrCodePeerNotFound
	case errors.Is(err, domain.ErrBridgeUnavailable):
		return apperrors.ErrCodeBridgeUnavailable
	case errors.Is(err, domain.ErrReconnectExhausted):
		return apperrors.ErrCodeReconnectExhausted
	case errors.Is(err, domain.ErrDuplicateStream), errors.Is(err, domain.ErrMaxSessionsReached):
		return apperrors.ErrCodeConflict
	case errors.Is(err, domain.ErrNotReady):
		return apperrors.ErrCodeServiceUnavailable
	default:
		return apperrors.ErrCodeInternal
	}
}
