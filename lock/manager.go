package lock

import "sync"

// Txn is the view a Manager needs of whatever is negotiating locks on
// behalf of a unit of work (tx.Transaction implements this). It lets the
// lock package stay ignorant of the tx package's transaction bookkeeping
// while still being able to ask "does this caller already hold a lock for
// this key" and record the answer back onto it.
type Txn interface {
	// PerKeyLock reports the lock this Txn currently holds for key, if any.
	PerKeyLock(key string) (Lock, bool)
	// SetPerKeyLock records the lock this Txn holds for key.
	SetPerKeyLock(key string, l Lock)
	// PerKeyLocks enumerates every per-key lock currently held, for release.
	PerKeyLocks() map[string]Lock

	ListRead() (Lock, bool)
	SetListRead(l Lock)
	ListWrite() (Lock, bool)
	SetListWrite(l Lock)
}

// Manager is the per-key lock manager: a lazy map from Key to Lockable,
// plus the separate pair of listing locks described in spec.md 4.2.
type Manager struct {
	lockables *shardedLockables

	listMux     sync.Mutex
	listReaders map[Txn]Lock
	listWriters map[Txn]Lock
}

// NewManager returns an empty Manager. numShards <= 0 picks a default
// sized to the host's CPU count.
func NewManager(numShards int) *Manager {
	return &Manager{
		lockables:   newShardedLockables(numShards),
		listReaders: make(map[Txn]Lock),
		listWriters: make(map[Txn]Lock),
	}
}

// NegotiateRead ensures txn holds at least a Read lock on key. If txn
// already holds any lock for key (Read or Write), this is a no-op - a
// writer implicitly grants read access to its own holder.
func (m *Manager) NegotiateRead(txn Txn, key string) error {
	if _, ok := txn.PerKeyLock(key); ok {
		return nil
	}

	lk := m.lockables.getOrCreate(key)
	l, err := lk.CreateAndAcquire(Read)
	if err != nil {
		return err
	}
	txn.SetPerKeyLock(key, l)
	return nil
}

// NegotiateWrite ensures txn holds a Write lock on key, upgrading an
// existing Read it holds if necessary.
func (m *Manager) NegotiateWrite(txn Txn, key string) error {
	lk := m.lockables.getOrCreate(key)

	existing, ok := txn.PerKeyLock(key)
	if !ok {
		l, err := lk.CreateAndAcquire(Write)
		if err != nil {
			return err
		}
		txn.SetPerKeyLock(key, l)
		return nil
	}

	if existing.Level == Write {
		return nil
	}

	upgraded, err := lk.Upgrade(existing)
	if err != nil {
		return err
	}
	txn.SetPerKeyLock(key, upgraded)
	return nil
}

// NegotiateListRead admits a Read list lock for txn iff no other Txn
// currently holds the Write list lock (L1). Idempotent if txn already
// holds a list Read; a txn holding a list Write may additionally take one.
func (m *Manager) NegotiateListRead(txn Txn) error {
	m.listMux.Lock()
	defer m.listMux.Unlock()

	if _, ok := m.listReaders[txn]; ok {
		return nil
	}

	for owner := range m.listWriters {
		if owner != txn {
			return ErrDenied
		}
	}

	l := newLock(Read)
	m.listReaders[txn] = l
	txn.SetListRead(l)
	return nil
}

// NegotiateListWrite admits a Write list lock for txn iff no other Txn
// currently holds the Read list lock (L2), symmetric to NegotiateListRead.
func (m *Manager) NegotiateListWrite(txn Txn) error {
	m.listMux.Lock()
	defer m.listMux.Unlock()

	if _, ok := m.listWriters[txn]; ok {
		return nil
	}

	for owner := range m.listReaders {
		if owner != txn {
			return ErrDenied
		}
	}

	l := newLock(Write)
	m.listWriters[txn] = l
	txn.SetListWrite(l)
	return nil
}

// ReleaseAll releases every per-key lock and list lock txn holds. Lockables
// that go idle as a result are erased from the manager's table.
func (m *Manager) ReleaseAll(txn Txn) {
	for key, l := range txn.PerKeyLocks() {
		m.lockables.shardFor(key).releaseOn(key, l)
		m.lockables.dropIfIdle(key)
	}

	m.listMux.Lock()
	delete(m.listReaders, txn)
	delete(m.listWriters, txn)
	m.listMux.Unlock()
}

// releaseOn releases l on key's Lockable if it has already been created.
// A key that was never negotiated has no Lockable and nothing to release.
func (s *lockableShard) releaseOn(key string, l Lock) {
	s.mux.Lock()
	lk, ok := s.data[key]
	s.mux.Unlock()
	if ok {
		lk.Release(l)
	}
}
