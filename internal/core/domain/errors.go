package domain

import "errors"

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrDuplicateStream       = errors.New("stream already registered for another source")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrManualPeerUnreachable = errors.New("manual peer unreachable")
	ErrNoPeerURL             = errors.New("no peer URL known")
	ErrBridgeUnavailable     = errors.New("bridge unavailable")
	ErrReconnectExhausted    = errors.New("reconnect retry budget exhausted")
	ErrNotReady              = errors.New("recovery not complete")
	ErrDuplicateHandler      = errors.New("handler already registered")
	ErrKeyNotFound           = errors.New("key not found")
	ErrMaxSessionsReached    = errors.New("peer session capacity reached")
)

// ReasonCode is a stable machine-readable cause stored in ConnectionState.LastError.
type ReasonCode string

const (
	ReasonReconnectExhausted ReasonCode = "RECONNECT_EXHAUSTED"
	ReasonPermanentlyLost    ReasonCode = "CONNECTION_PERMANENTLY_LOST"
	ReasonBridgeUnavailable  ReasonCode = "BRIDGE_UNAVAILABLE"
)
