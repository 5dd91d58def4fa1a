package services

import (
	"fmt"

	"github.com/goccy/go-json"

	"tabcast/internal/core/domain"
)

// sourceEntry is persisted as a two element array: [sourceId, value].
type sourceEntry[V any] struct {
	SourceID domain.SourceID
	Value    V
}

func (e sourceEntry[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.SourceID, e.Value})
}

func (e *sourceEntry[V]) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected [sourceId, value] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.SourceID); err != nil {
		return fmt.Errorf("source id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Value); err != nil {
		return fmt.Errorf("source %d: %w", e.SourceID, err)
	}
	return nil
}
