// Package persistence keeps named, debounced key/value stores in sync with a
// StateStore backend and restores them at startup in registration order.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
	"tabcast/pkg/debounce"
	"tabcast/pkg/tracing"
)

// Restore outcomes reported to the Recorder.
const (
	OutcomeRestored = "restored"
	OutcomeMissing  = "missing"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Recorder receives persistence metrics. A nil Recorder is allowed.
type Recorder interface {
	RecordStoreWrite(key string, duration time.Duration, err error)
	RecordStoreRestore(key, outcome string)
}

// StoreConfig describes one named store.
type StoreConfig[T any] struct {
	Key      string
	Debounce time.Duration
	// Serialize snapshots the owner's current state.
	Serialize func() T
	// Restore decodes persisted bytes. Nil means plain JSON decoding.
	Restore func(raw []byte) (T, error)
}

type entry interface {
	key() string
	valueType() reflect.Type
	restore(ctx context.Context) string
	flush(ctx context.Context) error
	persist(ctx context.Context) error
}

// Orchestrator owns every registered store.
type Orchestrator struct {
	store    ports.StateStore
	clock    clock.Clock
	logger   *zap.SugaredLogger
	recorder Recorder

	mu      sync.Mutex
	entries []entry
	byKey   map[string]entry
	version uint64
}

// NewOrchestrator creates an orchestrator writing to store.
func NewOrchestrator(store ports.StateStore, clk clock.Clock, recorder Recorder, logger *zap.SugaredLogger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		store:    store,
		clock:    clk,
		logger:   logger,
		recorder: recorder,
		byKey:    make(map[string]entry),
	}
}

// Register adds a store. Registering a key again with the same value type
// returns the existing handle; a different value type panics since that is a
// wiring mistake.
func Register[T any](o *Orchestrator, cfg StoreConfig[T], onRestore func(T)) *StoreHandle[T] {
	if cfg.Key == "" || cfg.Serialize == nil {
		panic("persistence: store config needs a key and a serializer")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.byKey[cfg.Key]; ok {
		handle, same := existing.(*StoreHandle[T])
		if !same {
			panic(fmt.Sprintf("persistence: key %q already registered with type %s", cfg.Key, existing.valueType()))
		}
		o.logger.Warnw("store registered twice, reusing existing handle", "key", cfg.Key)
		return handle
	}

	h := &StoreHandle[T]{
		o:         o,
		cfg:       cfg,
		onRestore: onRestore,
	}
	h.debouncer = debounce.New(o.clock, cfg.Debounce, func(s snapshot[T]) {
		if err := h.write(context.Background(), s); err != nil {
			o.logger.Warnw("debounced store write failed", "key", cfg.Key, "error", err)
		}
	})

	o.entries = append(o.entries, h)
	o.byKey[cfg.Key] = h
	return h
}

// Keys lists registered keys in restore order.
func (o *Orchestrator) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, len(o.entries))
	for i, e := range o.entries {
		keys[i] = e.key()
	}
	return keys
}

// RestoreAll restores every store in registration order. A failing store is
// logged and left at its default; the remaining stores still restore.
func (o *Orchestrator) RestoreAll(ctx context.Context) {
	for _, e := range o.snapshotEntries() {
		outcome := e.restore(ctx)
		if o.recorder != nil {
			o.recorder.RecordStoreRestore(e.key(), outcome)
		}
	}
}

// PersistAll writes the current state of every store immediately.
func (o *Orchestrator) PersistAll(ctx context.Context) error {
	var errs []error
	for _, e := range o.snapshotEntries() {
		if err := e.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushAll writes only stores with a pending debounced write.
func (o *Orchestrator) FlushAll(ctx context.Context) error {
	var errs []error
	for _, e := range o.snapshotEntries() {
		if err := e.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending writes. The backend is closed by its owner.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.FlushAll(ctx)
}

func (o *Orchestrator) snapshotEntries() []entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]entry(nil), o.entries...)
}

func (o *Orchestrator) nextVersion() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.version++
	return o.version
}

type snapshot[T any] struct {
	value   T
	version uint64
}

// StoreHandle schedules and performs writes for one store.
type StoreHandle[T any] struct {
	o         *Orchestrator
	cfg       StoreConfig[T]
	onRestore func(T)
	debouncer *debounce.Debouncer[snapshot[T]]

	snapMu  sync.Mutex
	writeMu sync.Mutex
	written uint64
}

// Key returns the store key.
func (h *StoreHandle[T]) Key() string { return h.cfg.Key }

// Schedule snapshots the state now and writes it after the debounce interval.
// Calls within the interval coalesce into one write of the latest snapshot.
func (h *StoreHandle[T]) Schedule() {
	h.debouncer.Trigger(h.capture())
}

// Persist writes the current state immediately, superseding any pending write.
func (h *StoreHandle[T]) Persist(ctx context.Context) error {
	h.debouncer.Cancel()
	return h.write(ctx, h.capture())
}

// capture serializes and versions under one lock so a later snapshot always
// carries a higher version.
func (h *StoreHandle[T]) capture() snapshot[T] {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	return snapshot[T]{value: h.cfg.Serialize(), version: h.o.nextVersion()}
}

// Pending reports whether a debounced write is waiting.
func (h *StoreHandle[T]) Pending() bool { return h.debouncer.Pending() }

func (h *StoreHandle[T]) write(ctx context.Context, s snapshot[T]) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	// an older snapshot must never overwrite a newer one
	if s.version <= h.written {
		return nil
	}

	ctx, span := tracing.TraceStoreOperation(ctx, "save", h.cfg.Key)
	defer span.End()

	start := h.o.clock.Now()
	data, err := json.Marshal(s.value)
	if err == nil {
		err = h.o.store.Save(ctx, h.cfg.Key, data)
	}
	if h.o.recorder != nil {
		h.o.recorder.RecordStoreWrite(h.cfg.Key, h.o.clock.Since(start), err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("save store %q: %w", h.cfg.Key, err)
	}
	h.written = s.version
	return nil
}

func (h *StoreHandle[T]) key() string { return h.cfg.Key }

func (h *StoreHandle[T]) valueType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (h *StoreHandle[T]) restore(ctx context.Context) (outcome string) {
	ctx, span := tracing.TraceStoreOperation(ctx, "restore", h.cfg.Key)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			h.o.logger.Errorw("store restore panicked", "key", h.cfg.Key, "panic", r)
			outcome = OutcomeFailed
		}
	}()

	raw, err := h.o.store.Load(ctx, h.cfg.Key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		h.o.logger.Debugw("no persisted state", "key", h.cfg.Key)
		return OutcomeMissing
	}
	if err != nil {
		h.o.logger.Warnw("failed to load store, using defaults", "key", h.cfg.Key, "error", err)
		tracing.RecordError(ctx, err)
		h.deliver(*new(T))
		return OutcomeFailed
	}

	value, err := h.decode(raw)
	if err != nil {
		h.o.logger.Warnw("persisted state is malformed, using defaults", "key", h.cfg.Key, "error", err)
		h.deliver(*new(T))
		return OutcomeInvalid
	}

	h.deliver(value)
	return OutcomeRestored
}

func (h *StoreHandle[T]) decode(raw []byte) (T, error) {
	if h.cfg.Restore != nil {
		return h.cfg.Restore(raw)
	}
	var value T
	err := json.Unmarshal(raw, &value)
	return value, err
}

func (h *StoreHandle[T]) deliver(value T) {
	if h.onRestore != nil {
		h.onRestore(value)
	}
}

func (h *StoreHandle[T]) flush(ctx context.Context) error {
	if !h.debouncer.Pending() {
		return nil
	}
	return h.Persist(ctx)
}

func (h *StoreHandle[T]) persist(ctx context.Context) error {
	return h.Persist(ctx)
}
