package lock

import (
	"context"
	"sync"

	"github.com/c-pro/blobkit"
)

// oneShotTxn is the lightest possible lock.Txn: a single call's worth of
// per-key and list locks, released the moment the call returns. It lets
// Queued reuse Manager's negotiation rules instead of re-deriving them
// with a second lock table.
type oneShotTxn struct {
	perKey    map[string]Lock
	listRead  *Lock
	listWrite *Lock
}

func newOneShotTxn() *oneShotTxn {
	return &oneShotTxn{perKey: make(map[string]Lock)}
}

func (t *oneShotTxn) PerKeyLock(key string) (Lock, bool) { l, ok := t.perKey[key]; return l, ok }
func (t *oneShotTxn) SetPerKeyLock(key string, l Lock)   { t.perKey[key] = l }
func (t *oneShotTxn) PerKeyLocks() map[string]Lock       { return t.perKey }

func (t *oneShotTxn) ListRead() (Lock, bool) {
	if t.listRead == nil {
		return Lock{}, false
	}
	return *t.listRead, true
}
func (t *oneShotTxn) SetListRead(l Lock) { t.listRead = &l }

func (t *oneShotTxn) ListWrite() (Lock, bool) {
	if t.listWrite == nil {
		return Lock{}, false
	}
	return *t.listWrite, true
}
func (t *oneShotTxn) SetListWrite(l Lock) { t.listWrite = &l }

// Queued is the queued, fail-fast-underneath sibling of tx.Store mentioned
// in spec.md's design notes: a stand-alone BlobStore for callers that want
// blocking semantics instead of the transaction layer's immediate-failure
// contention model. It retries a Manager's ErrDenied by waiting on a
// wake-up channel that every release closes and replaces - the same
// "block on a channel until someone closes it" idiom updater.go uses to
// let only one in-flight update run per key.
type Queued struct {
	store blobkit.BlobStore
	mgr   *Manager

	mux  sync.Mutex
	wake chan struct{}
}

// NewQueued wraps store with blocking per-key and listing locks.
func NewQueued(store blobkit.BlobStore, numShards int) *Queued {
	return &Queued{
		store: store,
		mgr:   NewManager(numShards),
		wake:  make(chan struct{}),
	}
}

// broadcast wakes every goroutine currently waiting on q.wake and installs
// a fresh channel for subsequent waiters.
func (q *Queued) broadcast() {
	q.mux.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mux.Unlock()
}

// currentWake returns the channel to wait on before retrying.
func (q *Queued) currentWake() chan struct{} {
	q.mux.Lock()
	defer q.mux.Unlock()
	return q.wake
}

// retryUntil calls negotiate in a loop, blocking on the wake-up channel
// between attempts, until it stops returning ErrDenied or ctx is done.
func (q *Queued) retryUntil(ctx context.Context, negotiate func() error) error {
	for {
		wake := q.currentWake()
		err := negotiate()
		if err == nil {
			return nil
		}
		if err != ErrDenied {
			return err
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queued) Get(ctx context.Context, key blobkit.Key, encrypted bool) (blobkit.Blob, error) {
	txn := newOneShotTxn()
	if err := q.retryUntil(ctx, func() error { return q.mgr.NegotiateRead(txn, string(key)) }); err != nil {
		return blobkit.Blob{}, err
	}
	defer func() { q.mgr.ReleaseAll(txn); q.broadcast() }()

	return q.store.Get(ctx, key, encrypted)
}

func (q *Queued) Put(ctx context.Context, key blobkit.Key, blob blobkit.Blob) error {
	txn := newOneShotTxn()
	negotiate := func() error {
		if err := q.mgr.NegotiateWrite(txn, string(key)); err != nil {
			return err
		}
		return q.mgr.NegotiateListWrite(txn)
	}
	if err := q.retryUntil(ctx, negotiate); err != nil {
		return err
	}
	defer func() { q.mgr.ReleaseAll(txn); q.broadcast() }()

	return q.store.Put(ctx, key, blob)
}

func (q *Queued) Delete(ctx context.Context, key blobkit.Key) error {
	txn := newOneShotTxn()
	negotiate := func() error {
		if err := q.mgr.NegotiateWrite(txn, string(key)); err != nil {
			return err
		}
		return q.mgr.NegotiateListWrite(txn)
	}
	if err := q.retryUntil(ctx, negotiate); err != nil {
		return err
	}
	defer func() { q.mgr.ReleaseAll(txn); q.broadcast() }()

	return q.store.Delete(ctx, key)
}

func (q *Queued) List(ctx context.Context, opts blobkit.ListOptions) ([]blobkit.Key, error) {
	txn := newOneShotTxn()
	if err := q.retryUntil(ctx, func() error { return q.mgr.NegotiateListRead(txn) }); err != nil {
		return nil, err
	}
	defer func() { q.mgr.ReleaseAll(txn); q.broadcast() }()

	return q.store.List(ctx, opts)
}

func (q *Queued) URL(ctx context.Context, key blobkit.Key) (string, error) {
	txn := newOneShotTxn()
	if err := q.retryUntil(ctx, func() error { return q.mgr.NegotiateRead(txn, string(key)) }); err != nil {
		return "", err
	}
	defer func() { q.mgr.ReleaseAll(txn); q.broadcast() }()

	return q.store.URL(ctx, key)
}
