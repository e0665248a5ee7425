package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-pro/blobkit"
)

func TestStoreGetPutDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", blobkit.Blob{Data: "1"}))
	b, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Data)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)
}

func TestStoreListInsertionOrderAndPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, k := range []blobkit.Key{"b/1", "a/1", "b/2"} {
		require.NoError(t, s.Put(ctx, k, blobkit.Blob{Data: string(k)}))
	}

	keys, err := s.List(ctx, blobkit.ListOptions{Prefix: "b/"})
	require.NoError(t, err)
	assert.Equal(t, []blobkit.Key{"b/1", "b/2"}, keys)
}

func TestStoreURL(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", blobkit.Blob{Data: "1"}))

	u, err := s.URL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "mem://a", u)

	_, err = s.URL(ctx, "missing")
	assert.ErrorIs(t, err, blobkit.ErrNotFound)
}
