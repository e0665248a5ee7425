package cache

import (
	"context"
	"sync/atomic"

	"github.com/c-pro/blobkit"
	"github.com/c-pro/blobkit/memstore"
)

// countingStore counts backend Get calls, so tests can assert singleflight
// dedupe actually collapsed concurrent misses into fewer backend fetches.
type countingStore struct {
	*memstore.Store
	gets atomic.Int64
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memstore.New()}
}

func (c *countingStore) Get(ctx context.Context, key blobkit.Key, encrypted bool) (blobkit.Blob, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, key, encrypted)
}
