package domain

import (
	"time"

	"github.com/goccy/go-json"
)

type EventType string

const (
	EventSessionsChanged  EventType = "sessionsChanged"
	EventConnectionStatus EventType = "connectionStatus"
	EventConnectionError  EventType = "connectionError"
	EventDomain           EventType = "domainEvent"
)

// Event is a notification delivered to observers.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionErrorPayload accompanies EventConnectionError.
type ConnectionErrorPayload struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// BridgeStatus is what the privileged context reports about its socket.
type BridgeStatus struct {
	Connected       bool            `json:"connected"`
	PeerURL         string          `json:"peerUrl,omitempty"`
	CachedPeerState *DiscoveredPeer `json:"cachedPeerState,omitempty"`
}

type NotificationKind string

const (
	NotifyConnected       NotificationKind = "bridge.connected"
	NotifyTemporarilyLost NotificationKind = "bridge.temporarilyLost"
	NotifyPermanentlyLost NotificationKind = "bridge.permanentlyLost"
	NotifyEvent           NotificationKind = "bridge.event"
	NotifyReady           NotificationKind = "bridge.ready"
)

// BridgeNotification is an asynchronous push from the privileged context.
type BridgeNotification struct {
	Kind   NotificationKind `json:"kind"`
	Peer   *DiscoveredPeer  `json:"peer,omitempty"`
	Reason string           `json:"reason,omitempty"`
	Event  json.RawMessage  `json:"event,omitempty"`
}
