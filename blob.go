package blobkit

import "context"

// Key is the logical address of a Blob. Equality is the only operation
// required of it; ordering is not assumed anywhere in this package.
type Key string

// Blob is an opaque payload plus the encrypted tag that travels with it.
// The core never inspects Encrypted except to pass it back on retrieval -
// the cryptography itself is delegated to whatever sits below the backend.
type Blob struct {
	Data      string
	Encrypted bool
}

// ListOptions controls BlobStore.List.
type ListOptions struct {
	// Prefix filters the listing to keys starting with Prefix.
	Prefix string

	// EarlyStop, if set, is evaluated for each candidate key in order.
	// Iteration stops the first time it returns false; the returned
	// sequence contains only the keys for which it returned true, up to
	// (but not including) the first false. A nil EarlyStop visits every
	// matching key.
	EarlyStop func(key Key) bool
}

// BlobStore is the contract every layer in this module implements and
// wraps. Composition order is the caller's choice: CachedStore, PackedStore
// and TxStore all take a BlobStore and return one.
type BlobStore interface {
	Get(ctx context.Context, key Key, encrypted bool) (Blob, error)
	Put(ctx context.Context, key Key, blob Blob) error
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, opts ListOptions) ([]Key, error)
	URL(ctx context.Context, key Key) (string, error)
}
