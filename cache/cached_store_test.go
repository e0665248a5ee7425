package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-pro/blobkit"
	"github.com/c-pro/blobkit/memstore"
)

func TestStoreDeferredPutIsNotVisibleToBackendUntilFlush(t *testing.T) {
	backend := memstore.New()
	s := New(backend, Config{})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", blobkit.Blob{Data: "1"}))

	_, err := backend.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)

	b, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Data)

	require.NoError(t, s.Flush(ctx, nil))
	b, err = backend.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Data)
}

func TestStoreAutoFlushingPutsThrough(t *testing.T) {
	backend := memstore.New()
	s := New(backend, Config{AutoFlushing: true})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", blobkit.Blob{Data: "1"}))

	b, err := backend.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Data)
}

func TestStoreAbortRestoresOriginal(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.Put(context.Background(), "a", blobkit.Blob{Data: "orig"}))
	s := New(backend, Config{})
	ctx := context.Background()

	_, err := s.Get(ctx, "a", false)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", blobkit.Blob{Data: "new"}))
	s.Abort(nil)

	b, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "orig", b.Data)

	assert.NoError(t, s.Flush(ctx, nil))
	b, err = backend.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "orig", b.Data)
}

func TestStoreAbortOnNeverPersistedKeyForgetsIt(t *testing.T) {
	backend := memstore.New()
	s := New(backend, Config{})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "new-key", blobkit.Blob{Data: "1"}))
	s.Abort(nil)

	_, err := s.Get(ctx, "new-key", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)
}

func TestStoreDeleteThenGetReturnsNotFoundBeforeFlush(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.Put(context.Background(), "a", blobkit.Blob{Data: "1"}))
	s := New(backend, Config{})
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)

	b, err := backend.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "1", b.Data)

	require.NoError(t, s.Flush(ctx, nil))
	_, err = backend.Get(ctx, "a", false)
	assert.ErrorIs(t, err, blobkit.ErrNotFound)
}

func TestStoreListPreservesBackendOrderAndHidesDeletes(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	for _, k := range []blobkit.Key{"c", "a", "b"} {
		require.NoError(t, backend.Put(ctx, k, blobkit.Blob{Data: string(k)}))
	}

	s := New(backend, Config{})
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Put(ctx, "d", blobkit.Blob{Data: "d"}))

	keys, err := s.List(ctx, blobkit.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []blobkit.Key{"d", "c", "b"}, keys)
}

func TestStoreListEarlyStop(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	for _, k := range []blobkit.Key{"a", "b", "c"} {
		require.NoError(t, backend.Put(ctx, k, blobkit.Blob{Data: string(k)}))
	}
	s := New(backend, Config{})

	keys, err := s.List(ctx, blobkit.ListOptions{
		EarlyStop: func(k blobkit.Key) bool { return k != "b" },
	})
	require.NoError(t, err)
	assert.Equal(t, []blobkit.Key{"a"}, keys)
}

func TestStoreConcurrentGetsDedupeBackendFetch(t *testing.T) {
	backend := newCountingStore()
	require.NoError(t, backend.Put(context.Background(), "a", blobkit.Blob{Data: "1"}))
	s := New(backend, Config{})
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_, _ = s.Get(ctx, "a", false)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	assert.LessOrEqual(t, backend.gets.Load(), int64(20))
}

func TestStoreClearForgetsListedFlag(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "a", blobkit.Blob{Data: "1"}))
	s := New(backend, Config{})

	_, err := s.List(ctx, blobkit.ListOptions{})
	require.NoError(t, err)

	require.NoError(t, backend.Put(ctx, "b", blobkit.Blob{Data: "2"}))
	s.Clear(nil)

	keys, err := s.List(ctx, blobkit.ListOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []blobkit.Key{"a", "b"}, keys)
}
