// Package power keeps the host awake while sessions are active.
package power

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"tabcast/internal/core/ports"
)

// InhibitFunc takes a system inhibitor lock. The lock is held until the
// returned file is closed.
type InhibitFunc func(ctx context.Context, what, who, why, mode string) (*os.File, error)

// Inhibitor is a ports.PowerManager backed by an inhibitor lock.
// Acquire and Release are idempotent.
type Inhibitor struct {
	inhibit InhibitFunc
	why     string

	mu   sync.Mutex
	lock *os.File

	logger *zap.SugaredLogger
}

var _ ports.PowerManager = (*Inhibitor)(nil)

func NewInhibitor(inhibit InhibitFunc, why string, logger *zap.SugaredLogger) *Inhibitor {
	return &Inhibitor{inhibit: inhibit, why: why, logger: logger}
}

func (i *Inhibitor) Acquire(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lock != nil {
		return nil
	}
	f, err := i.inhibit(ctx, "sleep:idle", "tabcast", i.why, "block")
	if err != nil {
		return fmt.Errorf("acquire wake lock: %w", err)
	}
	i.lock = f
	i.logger.Infow("wake lock acquired", "reason", i.why)
	return nil
}

func (i *Inhibitor) Release(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lock == nil {
		return nil
	}
	err := i.lock.Close()
	i.lock = nil
	if err != nil {
		return fmt.Errorf("release wake lock: %w", err)
	}
	i.logger.Infow("wake lock released")
	return nil
}

func (i *Inhibitor) Held() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lock != nil
}

// Noop tracks the held flag without touching the host.
type Noop struct {
	mu   sync.Mutex
	held bool
}

var _ ports.PowerManager = (*Noop)(nil)

func (n *Noop) Acquire(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held = true
	return nil
}

func (n *Noop) Release(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held = false
	return nil
}

func (n *Noop) Held() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.held
}

// New returns a system-backed manager when enabled and available, else Noop.
func New(enabled bool, why string, logger *zap.SugaredLogger) ports.PowerManager {
	if !enabled {
		logger.Infow("wake lock disabled")
		return &Noop{}
	}
	inhibit, err := systemInhibit()
	if err != nil {
		logger.Warnw("system wake lock unavailable, falling back to no-op", "error", err)
		return &Noop{}
	}
	return NewInhibitor(inhibit, why, logger)
}
