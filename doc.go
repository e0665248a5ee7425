// Package blobkit implements a layered, composable blob store.
//
// Each layer (lock, cache, tx, packed) decorates the same BlobStore
// contract, so layers can be stacked in any order. The canonical stack,
// bottom-up, is:
//
//	Backend (external) -> cache.Store -> [packed.Append|packed.Json] -> tx.Store
package blobkit

import "errors"

// ErrNotFound is returned by BlobStore.Get and BlobStore.URL when the
// requested key has no value. It is not treated as a failure by callers;
// absence is a normal outcome of Get.
var ErrNotFound = errors.New("blobkit: not found")
