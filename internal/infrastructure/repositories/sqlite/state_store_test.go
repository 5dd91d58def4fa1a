package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabcast/internal/core/domain"
)

func openTemp(t *testing.T) (*SQLiteStateStore, string) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSQLiteStateStore_CRUD(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "mediaCache")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	require.NoError(t, store.Save(ctx, "mediaCache", []byte(`[]`)))
	require.NoError(t, store.Save(ctx, "mediaCache", []byte(`[[3,{"title":"x"}]]`)))

	data, err := store.Load(ctx, "mediaCache")
	require.NoError(t, err)
	assert.Equal(t, `[[3,{"title":"x"}]]`, string(data))

	require.NoError(t, store.Delete(ctx, "mediaCache"))
	_, err = store.Load(ctx, "mediaCache")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	assert.NoError(t, store.Delete(ctx, "never-saved"))
	assert.NoError(t, store.Ping(ctx))
}

func TestSQLiteStateStore_SurvivesReopen(t *testing.T) {
	store, path := openTemp(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "connectionState", []byte(`{"connected":true}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load(ctx, "connectionState")
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true}`, string(data))
}
