package packed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-pro/blobkit"
	"github.com/c-pro/blobkit/memstore"
)

func TestAppendPutGetRoundTrip(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "hello"}))
	require.NoError(t, a.Put(ctx, "b", blobkit.Blob{Data: "world"}))

	b, err := a.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", b.Data)

	b, err = a.Get(ctx, "b", false)
	require.NoError(t, err)
	assert.Equal(t, "world", b.Data)
}

func TestAppendSharesOneContainerUntilFull(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "x"}))
	require.NoError(t, a.Put(ctx, "b", blobkit.Blob{Data: "y"}))

	a.mux.Lock()
	ea := a.entries["a"]
	eb := a.entries["b"]
	a.mux.Unlock()
	assert.Equal(t, ea.Container, eb.Container)
}

func TestAppendOverflowAllocatesNewContainer(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 4})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "abcd"}))
	require.NoError(t, a.Put(ctx, "b", blobkit.Blob{Data: "efgh"}))

	a.mux.Lock()
	ea := a.entries["a"]
	eb := a.entries["b"]
	a.mux.Unlock()
	assert.NotEqual(t, ea.Container, eb.Container)
}

func TestAppendUpdateInPlaceKeepsContainer(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "hello"}))
	require.NoError(t, a.Put(ctx, "b", blobkit.Blob{Data: "world"}))
	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "hi"}))

	b, err := a.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "hi", b.Data)

	b, err = a.Get(ctx, "b", false)
	require.NoError(t, err)
	assert.Equal(t, "world", b.Data)
}

func TestAppendUpdateThatNoLongerFitsReallocates(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 6})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "ab"}))
	require.NoError(t, a.Put(ctx, "c", blobkit.Blob{Data: "cc"}))
	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "abcdef"}))

	b, err := a.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", b.Data)

	c, err := a.Get(ctx, "c", false)
	require.NoError(t, err)
	assert.Equal(t, "cc", c.Data)

	a.mux.Lock()
	ea := a.entries["a"]
	ec := a.entries["c"]
	a.mux.Unlock()
	assert.NotEqual(t, ea.Container, ec.Container)
}

func TestAppendDeleteExcisesAndShiftsOffsets(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "aaa"}))
	require.NoError(t, a.Put(ctx, "b", blobkit.Blob{Data: "bbb"}))
	require.NoError(t, a.Put(ctx, "c", blobkit.Blob{Data: "ccc"}))

	require.NoError(t, a.Delete(ctx, "b"))

	b, err := a.Get(ctx, "c", false)
	require.NoError(t, err)
	assert.Equal(t, "ccc", b.Data)

	_, err = a.Get(ctx, "b", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)
}

func TestAppendPersistsAcrossReload(t *testing.T) {
	backend := memstore.New()
	cfg := AppendConfig{MaxContainerSize: 1024}
	ctx := context.Background()

	a1 := NewAppend(backend, cfg)
	require.NoError(t, a1.Put(ctx, "a", blobkit.Blob{Data: "persisted"}))

	a2 := NewAppend(backend, cfg)
	b, err := a2.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "persisted", b.Data)
}

func TestAppendListSortedKeys(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()

	for _, k := range []blobkit.Key{"c", "a", "b"} {
		require.NoError(t, a.Put(ctx, k, blobkit.Blob{Data: string(k)}))
	}

	keys, err := a.List(ctx, blobkit.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []blobkit.Key{"a", "b", "c"}, keys)
}

func TestAppendURLUnavailable(t *testing.T) {
	backend := memstore.New()
	a := NewAppend(backend, AppendConfig{MaxContainerSize: 1024})
	ctx := context.Background()
	require.NoError(t, a.Put(ctx, "a", blobkit.Blob{Data: "x"}))

	_, err := a.URL(ctx, "a")
	assert.ErrorIs(t, err, blobkit.ErrURLUnavailable)
}

func TestAppendCorruptMasterSurfacesError(t *testing.T) {
	backend := memstore.New()
	cfg := AppendConfig{MaxContainerSize: 1024}
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, blobkit.Key(cfg.masterName()), blobkit.Blob{Data: "not json", Encrypted: true}))

	a := NewAppend(backend, cfg)
	_, err := a.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrMasterCorrupt)
}
