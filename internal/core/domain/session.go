package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// SourceID identifies the tab or document a session captures from.
type SourceID int

type StreamID string

// CastSession is one source streaming to one or more speaker groups.
// SpeakerIPs and SpeakerNames are parallel and never empty.
type CastSession struct {
	StreamID      StreamID        `json:"streamId"`
	SourceID      SourceID        `json:"sourceId"`
	SpeakerIPs    []string        `json:"speakerIps"`
	SpeakerNames  []string        `json:"speakerNames"`
	EncoderConfig json.RawMessage `json:"encoderConfig,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
}

// Clone returns a deep copy.
func (s *CastSession) Clone() *CastSession {
	if s == nil {
		return nil
	}
	c := *s
	c.SpeakerIPs = append([]string(nil), s.SpeakerIPs...)
	c.SpeakerNames = append([]string(nil), s.SpeakerNames...)
	if s.EncoderConfig != nil {
		c.EncoderConfig = append(json.RawMessage(nil), s.EncoderConfig...)
	}
	return &c
}

// Validate checks the structural invariants.
func (s *CastSession) Validate() error {
	if s.StreamID == "" {
		return fmt.Errorf("session for source %d has no stream id", s.SourceID)
	}
	if len(s.SpeakerIPs) == 0 {
		return fmt.Errorf("session %s has no speakers", s.StreamID)
	}
	if len(s.SpeakerIPs) != len(s.SpeakerNames) {
		return fmt.Errorf("session %s has %d speaker ips but %d names", s.StreamID, len(s.SpeakerIPs), len(s.SpeakerNames))
	}
	return nil
}

// SpeakerIndex returns the position of ip in the session, or -1.
func (s *CastSession) SpeakerIndex(ip string) int {
	for i, candidate := range s.SpeakerIPs {
		if candidate == ip {
			return i
		}
	}
	return -1
}

// MediaState is the cached display state of a source.
type MediaState struct {
	Title      string    `json:"title,omitempty"`
	FaviconURL string    `json:"faviconUrl,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionView is a session enriched with cached display state.
type SessionView struct {
	*CastSession
	Title      string `json:"title,omitempty"`
	FaviconURL string `json:"faviconUrl,omitempty"`
}
