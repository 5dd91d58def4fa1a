package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
)

const (
	maxStreamIDLength    = 128
	maxSpeakerNameLength = 100
	maxTitleLength       = 512
	maxSpeakers          = 32
)

// ValidateSourceID validates a browser tab identifier
func ValidateSourceID(sourceID int) error {
	if sourceID < 0 {
		return fmt.Errorf("source ID must not be negative")
	}
	return nil
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > maxStreamIDLength {
		return fmt.Errorf("stream ID is too long (max %d characters)", maxStreamIDLength)
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateSpeakerIP validates a speaker address (IPv4 or IPv6 literal)
func ValidateSpeakerIP(ip string) error {
	if strings.TrimSpace(ip) == "" {
		return fmt.Errorf("speaker IP is required")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid speaker IP %q", ip)
	}
	return nil
}

// ValidateSpeakers validates the parallel speaker address and name lists
func ValidateSpeakers(ips, names []string) error {
	if len(ips) == 0 {
		return fmt.Errorf("at least one speaker is required")
	}
	if len(ips) > maxSpeakers {
		return fmt.Errorf("too many speakers (max %d)", maxSpeakers)
	}
	if len(ips) != len(names) {
		return fmt.Errorf("speaker IPs and names must have equal length (%d != %d)", len(ips), len(names))
	}
	seen := make(map[string]struct{}, len(ips))
	for i, ip := range ips {
		if err := ValidateSpeakerIP(ip); err != nil {
			return err
		}
		if _, dup := seen[ip]; dup {
			return fmt.Errorf("duplicate speaker IP %q", ip)
		}
		seen[ip] = struct{}{}
		if err := ValidateStringLength(names[i], 0, maxSpeakerNameLength, "speaker name"); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTitle validates media title
func ValidateTitle(title string) error {
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(title, 0, maxTitleLength, "title")
}

// ValidatePeerURL validates a companion peer URL
func ValidatePeerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateOptionalURL validates URL format when present
func ValidateOptionalURL(urlStr string) error {
	if urlStr == "" {
		return nil
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("URL must have a scheme")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
