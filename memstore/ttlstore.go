package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c-pro/blobkit"
)

// defaultCleanupInterval controls how often TTLStore purges obsolete blobs.
const defaultCleanupInterval = time.Second

type ttlRecord struct {
	prev, next blobkit.Key
	blob       blobkit.Blob
	storedAt   time.Time
}

// TTLStore is an in-memory backend where every blob expires a fixed
// duration after it was last written. It is useful for exercising the
// decorator stack against a backend whose state can disappear out from
// under it between calls - something a plain memstore.Store, which never
// forgets anything on its own, cannot simulate.
type TTLStore struct {
	mux  sync.Mutex
	data map[blobkit.Key]ttlRecord
	ttl  time.Duration
	now  func() time.Time

	head, tail blobkit.Key
	zero       blobkit.Key
}

// NewTTL returns a TTLStore whose entries expire after ttl. A background
// goroutine sweeps expired entries every cleanupInterval (0 picks
// defaultCleanupInterval) until ctx is done.
func NewTTL(ctx context.Context, ttl, cleanupInterval time.Duration) *TTLStore {
	if cleanupInterval == 0 {
		cleanupInterval = defaultCleanupInterval
	}
	s := &TTLStore{
		data: make(map[blobkit.Key]ttlRecord),
		ttl:  ttl,
		now:  time.Now,
	}

	go func() {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.cleanup()
			}
		}
	}()

	return s
}

func (s *TTLStore) Get(_ context.Context, key blobkit.Key, _ bool) (blobkit.Blob, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.data[key]
	if !ok || s.now().Sub(rec.storedAt) >= s.ttl {
		return blobkit.Blob{}, blobkit.ErrNotFound
	}
	return rec.blob, nil
}

func (s *TTLStore) Put(_ context.Context, key blobkit.Key, blob blobkit.Blob) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.unlink(key)

	rec := ttlRecord{blob: blob, storedAt: s.now(), prev: s.tail}
	if s.head == s.zero {
		s.head = key
		s.tail = key
		rec.prev = s.zero
		s.data[key] = rec
		return nil
	}

	tailRec := s.data[s.tail]
	tailRec.next = key
	s.data[s.tail] = tailRec
	s.tail = key
	s.data[key] = rec
	return nil
}

func (s *TTLStore) Delete(_ context.Context, key blobkit.Key) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.unlink(key)
	delete(s.data, key)
	return nil
}

func (s *TTLStore) List(_ context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var result []blobkit.Key
	key := s.head
	for key != s.zero {
		rec, ok := s.data[key]
		if !ok {
			break
		}
		if s.now().Sub(rec.storedAt) < s.ttl {
			if opts.Prefix == "" || hasPrefix(key, opts.Prefix) {
				if opts.EarlyStop != nil && !opts.EarlyStop(key) {
					break
				}
				result = append(result, key)
			}
		}
		key = rec.next
	}
	return result, nil
}

func (s *TTLStore) URL(_ context.Context, key blobkit.Key) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.data[key]
	if !ok || s.now().Sub(rec.storedAt) >= s.ttl {
		return "", blobkit.ErrNotFound
	}
	return fmt.Sprintf("mem-ttl://%s", key), nil
}

// unlink removes key from the doubly-linked freshness list without
// deleting its data, so Put can relink it at the tail. Caller must hold
// s.mux.
func (s *TTLStore) unlink(key blobkit.Key) {
	rec, ok := s.data[key]
	if !ok {
		return
	}

	if key == s.head {
		s.head = rec.next
	}
	if key == s.tail {
		s.tail = rec.prev
	}
	if rec.prev != s.zero {
		prev := s.data[rec.prev]
		prev.next = rec.next
		s.data[rec.prev] = prev
	}
	if rec.next != s.zero {
		next := s.data[rec.next]
		next.prev = rec.prev
		s.data[rec.next] = next
	}
}

// cleanup removes every record older than ttl, walking from head (oldest)
// until it finds one still fresh.
func (s *TTLStore) cleanup() {
	s.mux.Lock()
	defer s.mux.Unlock()

	key := s.head
	for key != s.zero {
		rec, ok := s.data[key]
		if !ok {
			break
		}
		if s.now().Sub(rec.storedAt) < s.ttl {
			break
		}

		next := rec.next
		delete(s.data, key)
		s.head = next
		if next == s.zero {
			s.tail = s.zero
		} else {
			nextRec := s.data[next]
			nextRec.prev = s.zero
			s.data[next] = nextRec
		}
		key = next
	}
}
