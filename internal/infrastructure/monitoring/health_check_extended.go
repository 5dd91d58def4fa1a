package monitoring

import (
	"context"
	"errors"
	"time"

	"tabcast/internal/core/ports"
)

// AddStoreCheck checks the persistence backend.
func (h *HealthChecker) AddStoreCheck(store ports.StateStore, interval, timeout time.Duration) {
	h.AddCheck("store", func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRecoveryCheck reports whether startup recovery has completed.
func (h *HealthChecker) AddRecoveryCheck(isReady func() bool) {
	h.AddCheck("recovery", func(ctx context.Context) (bool, error) {
		if !isReady() {
			return false, errors.New("recovery in progress")
		}
		return true, nil
	}, 0, time.Second)
}

// IsReady checks if the daemon is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
