// Package debounce coalesces bursts of values into a single delayed call.
//
// A Debouncer holds one pending value. Every Trigger overwrites that value and
// restarts the delay, so a burst of N triggers inside the interval results in
// exactly one call carrying the N-th value. Flush runs the pending value
// immediately. Timers come from an injected clock so callers can drive the
// delay deterministically in tests.
package debounce

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer is a single-slot pending cell flushed by a timer or explicitly.
type Debouncer[T any] struct {
	clock    clock.Clock
	interval time.Duration
	fn       func(T)

	mu         sync.Mutex
	timer      *clock.Timer
	pending    T
	hasPending bool
	gen        uint64 // invalidates timers that were superseded
	seq        uint64 // sequence of the pending value

	runMu   sync.Mutex
	lastRun uint64
}

// New returns a Debouncer calling fn with the latest value once interval has
// elapsed since the last Trigger. A nil clock uses wall time.
func New[T any](c clock.Clock, interval time.Duration, fn func(T)) *Debouncer[T] {
	if c == nil {
		c = clock.New()
	}
	return &Debouncer[T]{
		clock:    c,
		interval: interval,
		fn:       fn,
	}
}

// Trigger stores v as the pending value and restarts the delay.
// With a zero interval the value is delivered synchronously.
func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	d.pending = v
	d.hasPending = true
	d.seq++
	d.gen++

	if d.interval <= 0 {
		d.mu.Unlock()
		d.Flush()
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.interval, func() { d.fire(gen) })
	d.mu.Unlock()
}

// Flush delivers the pending value now. It reports whether a value was pending.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if !d.hasPending {
		d.mu.Unlock()
		return false
	}
	v, seq := d.take()
	d.mu.Unlock()

	d.run(v, seq)
	return true
}

// Cancel drops the pending value without delivering it.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.take()
}

// Pending reports whether a value is waiting for delivery.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.hasPending {
		d.mu.Unlock()
		return
	}
	v, seq := d.take()
	d.mu.Unlock()

	d.run(v, seq)
}

// take clears the cell and stops the timer. Caller holds d.mu.
func (d *Debouncer[T]) take() (T, uint64) {
	var zero T
	v, seq := d.pending, d.seq
	d.pending = zero
	d.hasPending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return v, seq
}

// run delivers v unless a newer value has already been delivered.
func (d *Debouncer[T]) run(v T, seq uint64) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if seq <= d.lastRun {
		return
	}
	d.lastRun = seq
	d.fn(v)
}
