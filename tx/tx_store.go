// Package tx implements the transactional layer: TxStore negotiates locks
// on behalf of a transaction through a lock.Manager, funnels reads and
// writes through an owned, deferred-mode cache.Store, and implements
// atomic commit/abort per spec.md 4.4.
package tx

import (
	"context"
	"sync"

	"github.com/c-pro/blobkit"
	"github.com/c-pro/blobkit/cache"
	"github.com/c-pro/blobkit/lock"
)

// Config tunes a Store.
type Config struct {
	CacheFileURLs bool
	FetchPoolSize int
	LockShards    int
}

// Store is the transactional BlobStore described in spec.md 4.4. It wraps
// a cache.Store configured for deferred write-back and a lock.Manager
// that enforces per-key and listing isolation across concurrent
// transactions.
type Store struct {
	cache *cache.Store
	locks *lock.Manager
}

// New wraps backend with a TxStore.
func New(backend blobkit.BlobStore, cfg Config) *Store {
	return &Store{
		cache: cache.New(backend, cache.Config{
			CacheFileURLs: cfg.CacheFileURLs,
			AutoFlushing:  false,
			FetchPoolSize: cfg.FetchPoolSize,
		}),
		locks: lock.NewManager(cfg.LockShards),
	}
}

// Begin allocates a fresh, unexpired Transaction holding no locks.
func (s *Store) Begin() *Transaction {
	return &Transaction{
		store:  s,
		perKey: make(map[string]lock.Lock),
	}
}

// Transact runs body inside a transaction: begin, run body, commit on
// success, abort and re-raise on error.
func (s *Store) Transact(ctx context.Context, body func(ctx context.Context, txn *Transaction) error) error {
	txn := s.Begin()
	if err := body(ctx, txn); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// Get implements blobkit.BlobStore via an implicit single-shot transaction.
func (s *Store) Get(ctx context.Context, key blobkit.Key, encrypted bool) (blobkit.Blob, error) {
	var result blobkit.Blob
	err := s.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		b, err := txn.Get(ctx, key, encrypted)
		result = b
		return err
	})
	return result, err
}

// Put implements blobkit.BlobStore via an implicit single-shot transaction.
func (s *Store) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	return s.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		return txn.Put(ctx, key, blob)
	})
}

// Delete implements blobkit.BlobStore via an implicit single-shot transaction.
func (s *Store) Delete(ctx context.Context, key blobkit.Key) error {
	return s.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		return txn.Delete(ctx, key)
	})
}

// List implements blobkit.BlobStore via an implicit single-shot transaction.
func (s *Store) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	var result []blobkit.Key
	err := s.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		keys, err := txn.List(ctx, opts)
		result = keys
		return err
	})
	return result, err
}

// URL implements blobkit.BlobStore via an implicit single-shot transaction.
func (s *Store) URL(ctx context.Context, key blobkit.Key) (string, error) {
	var result string
	err := s.Transact(ctx, func(ctx context.Context, txn *Transaction) error {
		u, err := txn.URL(ctx, key)
		result = u
		return err
	})
	return result, err
}

// Transaction is one unit of work bounded by Begin and Commit/Abort. Its
// zero-value state is ACTIVE; Commit and Abort both transition it to
// EXPIRED, at which point every further call fails with ErrExpired.
type Transaction struct {
	store *Store

	mux       sync.Mutex
	perKey    map[string]lock.Lock
	listRead  *lock.Lock
	listWrite *lock.Lock
	expired   bool
}

// --- lock.Txn ---

func (t *Transaction) PerKeyLock(key string) (lock.Lock, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	l, ok := t.perKey[key]
	return l, ok
}

func (t *Transaction) SetPerKeyLock(key string, l lock.Lock) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.perKey[key] = l
}

func (t *Transaction) PerKeyLocks() map[string]lock.Lock {
	t.mux.Lock()
	defer t.mux.Unlock()
	cp := make(map[string]lock.Lock, len(t.perKey))
	for k, v := range t.perKey {
		cp[k] = v
	}
	return cp
}

func (t *Transaction) ListRead() (lock.Lock, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.listRead == nil {
		return lock.Lock{}, false
	}
	return *t.listRead, true
}

func (t *Transaction) SetListRead(l lock.Lock) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.listRead = &l
}

func (t *Transaction) ListWrite() (lock.Lock, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.listWrite == nil {
		return lock.Lock{}, false
	}
	return *t.listWrite, true
}

func (t *Transaction) SetListWrite(l lock.Lock) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.listWrite = &l
}

// --- blobkit.BlobStore, negotiated through the owning Store's lock.Manager ---

func (t *Transaction) checkActive(op string) error {
	t.mux.Lock()
	expired := t.expired
	t.mux.Unlock()
	if expired {
		return &blobkit.TransactionError{Op: op, Err: blobkit.ErrExpired}
	}
	return nil
}

func (t *Transaction) Get(ctx context.Context, key blobkit.Key, encrypted bool) (blobkit.Blob, error) {
	if err := t.checkActive("get"); err != nil {
		return blobkit.Blob{}, err
	}
	if err := t.store.locks.NegotiateRead(t, string(key)); err != nil {
		return blobkit.Blob{}, &blobkit.LockError{Key: key, Level: "read", Err: err}
	}
	return t.store.cache.Get(ctx, key, encrypted)
}

func (t *Transaction) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	if err := t.checkActive("put"); err != nil {
		return err
	}
	if err := t.store.locks.NegotiateWrite(t, string(key)); err != nil {
		return &blobkit.LockError{Key: key, Level: "write", Err: err}
	}
	// Puts may create a new key, so they conservatively take the list
	// write lock too - a concurrent listing must not observe a partial
	// insert.
	if err := t.store.locks.NegotiateListWrite(t); err != nil {
		return &blobkit.LockError{Key: key, Level: "list-write", Err: err}
	}
	return t.store.cache.Put(ctx, key, blob)
}

func (t *Transaction) Delete(ctx context.Context, key blobkit.Key) error {
	if err := t.checkActive("delete"); err != nil {
		return err
	}
	if err := t.store.locks.NegotiateWrite(t, string(key)); err != nil {
		return &blobkit.LockError{Key: key, Level: "write", Err: err}
	}
	if err := t.store.locks.NegotiateListWrite(t); err != nil {
		return &blobkit.LockError{Key: key, Level: "list-write", Err: err}
	}
	return t.store.cache.Delete(ctx, key)
}

func (t *Transaction) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	if err := t.checkActive("list"); err != nil {
		return nil, err
	}
	if err := t.store.locks.NegotiateListRead(t); err != nil {
		return nil, &blobkit.LockError{Level: "list-read", Err: err}
	}
	return t.store.cache.List(ctx, opts)
}

func (t *Transaction) URL(ctx context.Context, key blobkit.Key) (string, error) {
	if err := t.checkActive("url"); err != nil {
		return "", err
	}
	if err := t.store.locks.NegotiateRead(t, string(key)); err != nil {
		return "", &blobkit.LockError{Key: key, Level: "read", Err: err}
	}
	return t.store.cache.URL(ctx, key)
}

// Commit flushes every key this transaction holds a Write lock for,
// releases all locks, and marks the transaction EXPIRED.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkActive("commit"); err != nil {
		return err
	}

	for key, l := range t.PerKeyLocks() {
		if l.Level != lock.Write {
			continue
		}
		k := blobkit.Key(key)
		if err := t.store.cache.Flush(ctx, &k); err != nil {
			return err
		}
	}

	t.store.locks.ReleaseAll(t)
	t.mux.Lock()
	t.expired = true
	t.mux.Unlock()
	return nil
}

// Abort rolls back every key this transaction holds a Write lock for to
// its pre-transaction state, releases all locks, and marks the
// transaction EXPIRED.
func (t *Transaction) Abort(ctx context.Context) error {
	if err := t.checkActive("abort"); err != nil {
		return err
	}

	for key, l := range t.PerKeyLocks() {
		if l.Level != lock.Write {
			continue
		}
		k := blobkit.Key(key)
		t.store.cache.Abort(&k)
	}

	t.store.locks.ReleaseAll(t)
	t.mux.Lock()
	t.expired = true
	t.mux.Unlock()
	return nil
}
