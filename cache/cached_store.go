// Package cache implements CachedStore: a write-through or write-deferred
// cache over a blobkit.BlobStore, with positive, negative and
// listed-but-unread presence tracking, and original-value snapshots that
// support abort.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/c-pro/blobkit"
)

// Config tunes a Store.
type Config struct {
	// CacheFileURLs controls whether URL lookups are cached.
	CacheFileURLs bool

	// AutoFlushing, if true, flushes every mutation immediately
	// (write-through). If false, mutations are deferred until an
	// explicit Flush call - the mode tx.Store uses.
	AutoFlushing bool

	// FetchPoolSize bounds concurrent backend Get calls used to satisfy
	// cache misses; see singleflight. Zero picks a default.
	FetchPoolSize int
}

// Store decorates a blobkit.BlobStore with the cache described above.
type Store struct {
	backend blobkit.BlobStore
	cfg     Config

	mux    sync.RWMutex
	data   map[blobkit.Key]*entry
	order  []blobkit.Key // insertion/listing order, for List's early-stop semantics
	listed bool

	urlCache map[blobkit.Key]string

	fetch *singleflight
}

// New wraps backend with a CachedStore using cfg.
func New(backend blobkit.BlobStore, cfg Config) *Store {
	return &Store{
		backend:  backend,
		cfg:      cfg,
		data:     make(map[blobkit.Key]*entry),
		urlCache: make(map[blobkit.Key]string),
		fetch:    newSingleflight(cfg.FetchPoolSize),
	}
}

// entryFor returns key's entry, creating an empty one and recording it in
// the listing order if this is the first time the key has been touched.
// Caller must hold s.mux for writing.
func (s *Store) entryFor(key blobkit.Key) *entry {
	e, ok := s.data[key]
	if !ok {
		e = &entry{}
		s.data[key] = e
		s.order = append(s.order, key)
	}
	return e
}

// Get implements blobkit.BlobStore.
func (s *Store) Get(ctx context.Context, key blobkit.Key, encrypted bool) (blobkit.Blob, error) {
	if b, hit, absent := s.peek(key); hit {
		if absent {
			return blobkit.Blob{}, blobkit.ErrNotFound
		}
		return b, nil
	}

	_, fetchErr := s.fetch.do(string(key), func() (blobkit.Blob, error) {
		b, err := s.backend.Get(ctx, key, encrypted)

		s.mux.Lock()
		defer s.mux.Unlock()
		e := s.entryFor(key)
		// A Put or Delete may have raced ahead of this fetch; don't let a
		// stale backend read clobber a modification already recorded.
		if e.modification == modNone {
			if err != nil {
				if errors.Is(err, blobkit.ErrNotFound) {
					e.present = false
					e.negativePresence = true
				}
			} else {
				e.present = true
				e.current = b
				e.negativePresence = false
			}
			e.lastEncrypt = encrypted
		}
		return b, err
	})

	if b, hit, absent := s.peek(key); hit {
		if absent {
			return blobkit.Blob{}, blobkit.ErrNotFound
		}
		return b, nil
	}
	if fetchErr != nil && !errors.Is(fetchErr, blobkit.ErrNotFound) {
		return blobkit.Blob{}, &blobkit.StorageError{Key: key, Err: fetchErr}
	}
	return blobkit.Blob{}, blobkit.ErrNotFound
}

// peek reports the cached state for key without touching the backend.
// hit is false when nothing conclusive is cached yet (including a
// listed-but-unread stub), meaning the caller still needs to ask the
// backend.
func (s *Store) peek(key blobkit.Key) (b blobkit.Blob, hit bool, absent bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return blobkit.Blob{}, false, false
	}
	if e.modification == modDeleted || e.negativePresence {
		return blobkit.Blob{}, true, true
	}
	if e.present {
		return e.current, true, false
	}
	return blobkit.Blob{}, false, false
}

// Put implements blobkit.BlobStore.
func (s *Store) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	s.mux.Lock()
	e := s.entryFor(key)
	e.snapshotOriginal()
	e.present = true
	e.current = blob
	e.lastEncrypt = blob.Encrypted
	e.modification = modUpdated
	e.negativePresence = false
	auto := s.cfg.AutoFlushing
	s.mux.Unlock()

	if auto {
		return s.flushKey(ctx, key)
	}
	return nil
}

// Delete implements blobkit.BlobStore.
func (s *Store) Delete(ctx context.Context, key blobkit.Key) error {
	s.mux.Lock()
	e := s.entryFor(key)
	e.snapshotOriginal()
	e.present = false
	e.current = blobkit.Blob{}
	e.negativePresence = true
	e.modification = modDeleted
	auto := s.cfg.AutoFlushing
	s.mux.Unlock()

	if auto {
		return s.flushKey(ctx, key)
	}
	return nil
}

// List implements blobkit.BlobStore. The first call fetches the full
// listing from the backend and ingests it as unread stubs; later calls
// are served entirely from the in-memory order, filtered by opts.Prefix
// and opts.EarlyStop.
func (s *Store) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	if err := s.ensureListed(ctx); err != nil {
		return nil, err
	}

	s.mux.RLock()
	defer s.mux.RUnlock()

	result := make([]blobkit.Key, 0, len(s.order))
	for _, key := range s.order {
		e := s.data[key]
		if e.modification == modDeleted || e.negativePresence {
			continue
		}
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

func hasPrefix(key blobkit.Key, prefix string) bool {
	return len(key) >= len(prefix) && string(key)[:len(prefix)] == prefix
}

func (s *Store) ensureListed(ctx context.Context) error {
	s.mux.RLock()
	already := s.listed
	s.mux.RUnlock()
	if already {
		return nil
	}

	keys, err := s.backend.List(ctx, blobkit.ListOptions{})
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.listed {
		return nil
	}
	for _, key := range keys {
		e, ok := s.data[key]
		if !ok {
			e = &entry{}
			s.data[key] = e
			s.order = append(s.order, key)
			continue
		}
		if e.modification == modDeleted {
			continue // backend still reports it; our pending delete wins
		}
	}
	s.listed = true
	return nil
}

// URL implements blobkit.BlobStore.
func (s *Store) URL(ctx context.Context, key blobkit.Key) (string, error) {
	if s.cfg.CacheFileURLs {
		s.mux.RLock()
		u, ok := s.urlCache[key]
		s.mux.RUnlock()
		if ok {
			return u, nil
		}
	}

	u, err := s.backend.URL(ctx, key)
	if err != nil {
		return "", err
	}

	if s.cfg.CacheFileURLs {
		s.mux.Lock()
		s.urlCache[key] = u
		s.mux.Unlock()
	}
	return u, nil
}

// Flush applies every outstanding modification to the backend. If key is
// non-nil, only that key's modification (if any) is flushed.
func (s *Store) Flush(ctx context.Context, key *blobkit.Key) error {
	keys := s.modifiedKeys(key)
	for _, k := range keys {
		if err := s.flushKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) flushKey(ctx context.Context, key blobkit.Key) error {
	s.mux.RLock()
	e, ok := s.data[key]
	var mod modification
	var blob blobkit.Blob
	if ok {
		mod = e.modification
		blob = e.current
	}
	s.mux.RUnlock()
	if !ok {
		return nil
	}

	var err error
	switch mod {
	case modUpdated:
		err = s.backend.Put(ctx, key, blob)
	case modDeleted:
		err = s.backend.Delete(ctx, key)
	default:
		return nil
	}
	if err != nil {
		return &blobkit.StorageError{Key: key, Err: err}
	}

	s.mux.Lock()
	e.modification = modNone
	e.forgetOriginal()
	s.mux.Unlock()
	return nil
}

// Abort restores current from original (or removes the entry when there
// was no original), undoing every outstanding modification without
// touching the backend. If key is non-nil, only that key is restored.
func (s *Store) Abort(key *blobkit.Key) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, k := range s.keysToTouch(key) {
		e, ok := s.data[k]
		if !ok || e.modification == modNone {
			continue
		}
		if !e.hasOriginal {
			delete(s.data, k)
			s.removeFromOrder(k)
			continue
		}
		e.present = e.originalPresent
		e.current = e.original
		e.negativePresence = !e.originalPresent
		e.modification = modNone
		e.forgetOriginal()
	}
}

// Clear forgets cache, original, negative-presence and modification state
// for key (or, if key is nil, for every key), and unconditionally
// invalidates the full-listing flag.
func (s *Store) Clear(key *blobkit.Key) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if key == nil {
		s.data = make(map[blobkit.Key]*entry)
		s.order = nil
	} else {
		delete(s.data, *key)
		s.removeFromOrder(*key)
	}
	s.listed = false
}

func (s *Store) removeFromOrder(key blobkit.Key) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) modifiedKeys(key *blobkit.Key) []blobkit.Key {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if key != nil {
		return []blobkit.Key{*key}
	}

	keys := make([]blobkit.Key, 0)
	for _, k := range s.order {
		if s.data[k].modification != modNone {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *Store) keysToTouch(key *blobkit.Key) []blobkit.Key {
	if key != nil {
		return []blobkit.Key{*key}
	}
	keys := make([]blobkit.Key, len(s.order))
	copy(keys, s.order)
	return keys
}
