// Package memstore provides in-memory blobkit.BlobStore backends. These
// are terminal backends, explicitly out of the core's engineering scope
// per spec.md 1 - they exist so the decorator stack (cache, tx, packed)
// has something concrete to run against in tests and small deployments.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/c-pro/blobkit"
)

// Store is the simplest thread-safe in-memory BlobStore. It has no
// capacity limit and grows indefinitely, the same tradeoff MapCache makes
// for an in-process cache.
type Store struct {
	mux   sync.RWMutex
	data  map[blobkit.Key]blobkit.Blob
	order []blobkit.Key
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[blobkit.Key]blobkit.Blob)}
}

func (s *Store) Get(_ context.Context, key blobkit.Key, _ bool) (blobkit.Blob, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	b, ok := s.data[key]
	if !ok {
		return blobkit.Blob{}, blobkit.ErrNotFound
	}
	return b, nil
}

func (s *Store) Put(_ context.Context, key blobkit.Key, blob blobkit.Blob) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.data[key]; !ok {
		s.order = append(s.order, key)
	}
	s.data[key] = blob
	return nil
}

func (s *Store) Delete(_ context.Context, key blobkit.Key) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) List(_ context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	result := make([]blobkit.Key, 0, len(s.order))
	for _, key := range s.order {
		if opts.Prefix != "" && !hasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.EarlyStop != nil && !opts.EarlyStop(key) {
			break
		}
		result = append(result, key)
	}
	return result, nil
}

func (s *Store) URL(_ context.Context, key blobkit.Key) (string, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if _, ok := s.data[key]; !ok {
		return "", blobkit.ErrNotFound
	}
	return fmt.Sprintf("mem://%s", key), nil
}

func hasPrefix(key blobkit.Key, prefix string) bool {
	return len(key) >= len(prefix) && string(key)[:len(prefix)] == prefix
}
