package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabcast/internal/infrastructure/repositories/memory"
)

type counter struct {
	N int `json:"n"`
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.MemoryStateStore, *clock.Mock) {
	t.Helper()
	store := memory.NewMemoryStateStore()
	clk := clock.NewMock()
	return NewOrchestrator(store, clk, nil, zaptest.NewLogger(t).Sugar()), store, clk
}

func TestRestoreAll_RegistrationOrder(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	store.Seed("first", []byte(`{"n":1}`))
	store.Seed("second", []byte(`{"n":2}`))
	store.Seed("third", []byte(`{"n":3}`))

	var order []string
	for _, key := range []string{"first", "second", "third"} {
		key := key
		Register(o, StoreConfig[counter]{Key: key, Serialize: func() counter { return counter{} }},
			func(c counter) { order = append(order, key) })
	}

	o.RestoreAll(context.Background())

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []string{"first", "second", "third"}, o.Keys())
}

func TestRestoreAll_MalformedStoreDoesNotAbortOthers(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	store.Seed("broken", []byte(`{not json`))
	store.Seed("fine", []byte(`{"n":7}`))

	broken := counter{N: 99}
	var fine counter
	Register(o, StoreConfig[counter]{Key: "broken", Serialize: func() counter { return broken }},
		func(c counter) { broken = c })
	Register(o, StoreConfig[counter]{Key: "fine", Serialize: func() counter { return fine }},
		func(c counter) { fine = c })

	o.RestoreAll(context.Background())

	assert.Equal(t, counter{}, broken, "malformed store falls back to default")
	assert.Equal(t, 7, fine.N)
}

func TestRestoreAll_MissingKeySkipsCallback(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	called := false
	Register(o, StoreConfig[counter]{Key: "absent", Serialize: func() counter { return counter{} }},
		func(counter) { called = true })

	o.RestoreAll(context.Background())
	assert.False(t, called)
}

func TestRestoreAll_CallbackPanicIsContained(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	store.Seed("panics", []byte(`{"n":1}`))
	store.Seed("after", []byte(`{"n":2}`))

	var after counter
	Register(o, StoreConfig[counter]{Key: "panics", Serialize: func() counter { return counter{} }},
		func(counter) { panic("boom") })
	Register(o, StoreConfig[counter]{Key: "after", Serialize: func() counter { return after }},
		func(c counter) { after = c })

	assert.NotPanics(t, func() { o.RestoreAll(context.Background()) })
	assert.Equal(t, 2, after.N)
}

func TestRestoreAll_CustomRestore(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	store.Seed("custom", []byte(`42`))

	var got counter
	Register(o, StoreConfig[counter]{
		Key:       "custom",
		Serialize: func() counter { return got },
		Restore: func(raw []byte) (counter, error) {
			var n int
			if err := json.Unmarshal(raw, &n); err != nil {
				return counter{}, err
			}
			return counter{N: n}, nil
		},
	}, func(c counter) { got = c })

	o.RestoreAll(context.Background())
	assert.Equal(t, 42, got.N)
}

func TestRegister_DuplicateKey(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	cfg := StoreConfig[counter]{Key: "dup", Serialize: func() counter { return counter{} }}

	first := Register(o, cfg, nil)
	second := Register(o, cfg, nil)
	assert.Same(t, first, second)
	assert.Len(t, o.Keys(), 1)

	assert.Panics(t, func() {
		Register(o, StoreConfig[string]{Key: "dup", Serialize: func() string { return "" }}, nil)
	})
}

func TestSchedule_CoalescesBurstIntoOneWrite(t *testing.T) {
	o, store, clk := newTestOrchestrator(t)

	state := counter{}
	h := Register(o, StoreConfig[counter]{
		Key:       "burst",
		Debounce:  300 * time.Millisecond,
		Serialize: func() counter { return state },
	}, nil)

	for i := 1; i <= 10; i++ {
		state.N = i
		h.Schedule()
		clk.Add(20 * time.Millisecond)
	}
	assert.Equal(t, 0, store.Writes("burst"))

	clk.Add(300 * time.Millisecond)
	require.Eventually(t, func() bool { return store.Writes("burst") == 1 }, time.Second, 5*time.Millisecond)

	raw, err := store.Load(context.Background(), "burst")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":10}`, string(raw))

	clk.Add(time.Second)
	assert.Never(t, func() bool { return store.Writes("burst") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPersist_SupersedesPendingWrite(t *testing.T) {
	o, store, clk := newTestOrchestrator(t)

	state := counter{N: 1}
	h := Register(o, StoreConfig[counter]{
		Key:       "sessions",
		Debounce:  time.Second,
		Serialize: func() counter { return state },
	}, nil)

	h.Schedule()
	assert.True(t, h.Pending())

	state.N = 2
	require.NoError(t, h.Persist(context.Background()))
	assert.False(t, h.Pending())
	assert.Equal(t, 1, store.Writes("sessions"))

	clk.Add(2 * time.Second)
	assert.Never(t, func() bool { return store.Writes("sessions") > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	raw, _ := store.Load(context.Background(), "sessions")
	assert.JSONEq(t, `{"n":2}`, string(raw))
}

func TestFlushAll_WritesOnlyPending(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)

	pending := Register(o, StoreConfig[counter]{Key: "pending", Debounce: time.Minute, Serialize: func() counter { return counter{N: 5} }}, nil)
	Register(o, StoreConfig[counter]{Key: "idle", Debounce: time.Minute, Serialize: func() counter { return counter{} }}, nil)

	pending.Schedule()
	require.NoError(t, o.FlushAll(context.Background()))

	assert.Equal(t, 1, store.Writes("pending"))
	assert.Equal(t, 0, store.Writes("idle"))

	require.NoError(t, o.PersistAll(context.Background()))
	assert.Equal(t, 2, store.Writes("pending"))
	assert.Equal(t, 1, store.Writes("idle"))
}

type failingStore struct {
	*memory.MemoryStateStore
}

func (failingStore) Save(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}

func TestPersist_ReturnsBackendError(t *testing.T) {
	o := NewOrchestrator(failingStore{memory.NewMemoryStateStore()}, clock.NewMock(), nil, zaptest.NewLogger(t).Sugar())
	h := Register(o, StoreConfig[counter]{Key: "k", Serialize: func() counter { return counter{} }}, nil)

	err := h.Persist(context.Background())
	assert.ErrorContains(t, err, "disk full")
}
