package bridge

import (
	"context"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
)

// Absent stands in when no capture worker is configured. Every call fails
// with domain.ErrBridgeUnavailable.
type Absent struct{}

var _ ports.Bridge = Absent{}

func (Absent) GetStatus(context.Context) (*domain.BridgeStatus, error) {
	return nil, domain.ErrBridgeUnavailable
}

func (Absent) Connect(context.Context, string) error { return domain.ErrBridgeUnavailable }

func (Absent) Disconnect(context.Context) error { return domain.ErrBridgeUnavailable }

func (Absent) Reconnect(context.Context, string) error { return domain.ErrBridgeUnavailable }
