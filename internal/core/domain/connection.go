package domain

import "time"

type NetworkHealth string

const (
	NetworkHealthOK       NetworkHealth = "ok"
	NetworkHealthDegraded NetworkHealth = "degraded"
)

// ConnectionState is the process-wide snapshot of the companion connection.
// Empty PeerURL and LastError mean "unset". Connected implies LastError == "".
type ConnectionState struct {
	Connected             bool          `json:"connected"`
	PeerURL               string        `json:"peerUrl,omitempty"`
	MaxConcurrentSessions int           `json:"maxConcurrentSessions,omitempty"`
	LastDiscoveredAt      time.Time     `json:"lastDiscoveredAt"`
	LastError             string        `json:"lastError,omitempty"`
	NetworkHealth         NetworkHealth `json:"networkHealth"`
	NetworkHealthReason   string        `json:"networkHealthReason,omitempty"`
}

// NewConnectionState returns the empty, healthy state.
func NewConnectionState() ConnectionState {
	return ConnectionState{NetworkHealth: NetworkHealthOK}
}

// HasPeer reports whether a peer address is cached.
func (s ConnectionState) HasPeer() bool {
	return s.PeerURL != ""
}

// DiscoveredAge returns how long ago the peer was discovered, or false if never.
func (s ConnectionState) DiscoveredAge(now time.Time) (time.Duration, bool) {
	if s.LastDiscoveredAt.IsZero() {
		return 0, false
	}
	return now.Sub(s.LastDiscoveredAt), true
}

// DiscoveredPeer is the result of one successful discovery attempt.
type DiscoveredPeer struct {
	URL         string `json:"url"`
	MaxSessions int    `json:"maxSessions"`
}
