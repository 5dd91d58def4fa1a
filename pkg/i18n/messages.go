// Package i18n holds the user-facing strings that end up in persisted state
// (for example ConnectionState.lastError) and observer notifications.
package i18n

import (
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys.
const (
	PeerNotFound          = "peer_not_found"
	ManualPeerUnreachable = "manual_peer_unreachable"
	ReconnectExhausted    = "reconnect_exhausted"
	BridgeUnavailable     = "bridge_unavailable"
	ConnectionLost        = "connection_lost"
)

var registerOnce sync.Once

var catalog = map[language.Tag]map[string]string{
	language.English: {
		PeerNotFound:          "Companion app not found. Make sure it is running on this computer.",
		ManualPeerUnreachable: "The configured companion address %s is not reachable.",
		ReconnectExhausted:    "Lost connection to the companion app and could not reconnect.",
		BridgeUnavailable:     "The capture worker is not running.",
		ConnectionLost:        "Connection to the companion app was interrupted.",
	},
	language.German: {
		PeerNotFound:          "Companion-App nicht gefunden. Bitte stelle sicher, dass sie auf diesem Computer läuft.",
		ManualPeerUnreachable: "Die konfigurierte Companion-Adresse %s ist nicht erreichbar.",
		ReconnectExhausted:    "Verbindung zur Companion-App verloren, erneutes Verbinden fehlgeschlagen.",
		BridgeUnavailable:     "Der Aufnahme-Worker läuft nicht.",
		ConnectionLost:        "Die Verbindung zur Companion-App wurde unterbrochen.",
	},
}

func register() {
	for tag, entries := range catalog {
		for key, msg := range entries {
			_ = message.SetString(tag, key, msg)
		}
	}
}

// NewPrinter returns a printer for locale (BCP 47, e.g. "en", "de-AT").
// Unknown or empty locales fall back to English.
func NewPrinter(locale string) *message.Printer {
	registerOnce.Do(register)

	tag := language.English
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			matcher := language.NewMatcher([]language.Tag{language.English, language.German})
			tag, _, _ = matcher.Match(parsed)
		}
	}
	return message.NewPrinter(tag)
}
