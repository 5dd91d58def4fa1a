package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/core/domain"
)

func TestMemoryStateStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	require.NoError(t, store.Save(ctx, "k", []byte(`{"a":1}`)))
	require.NoError(t, store.Save(ctx, "k", []byte(`{"a":2}`)))

	got, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))
	assert.Equal(t, 2, store.Writes("k"))

	// returned bytes are a copy
	got[0] = 'x'
	again, _ := store.Load(ctx, "k")
	assert.JSONEq(t, `{"a":2}`, string(again))

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Load(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestMemoryStateStore_SeedDoesNotCountWrite(t *testing.T) {
	store := NewMemoryStateStore()
	store.Seed("k", []byte("1"))
	assert.Equal(t, 0, store.Writes("k"))

	got, err := store.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}
