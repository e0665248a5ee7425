// Package lock implements the shared-exclusive lock primitive (Lockable)
// and the per-key lock manager (Manager) that negotiates locks on behalf
// of transactions.
package lock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level distinguishes a shared (Read) lock from an exclusive (Write) one.
type Level int

const (
	Read Level = iota
	Write
)

func (l Level) String() string {
	if l == Write {
		return "write"
	}
	return "read"
}

// ID identifies a Lock across its lifetime, including through an upgrade.
// Two Locks with the same ID are the same lock at different levels.
type ID uint64

var nextID uint64

// epoch anchors Lock.Created; time.Since reads the monotonic clock.
var epoch = time.Now()

func newID() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}

// Lock is an immutable value describing one outstanding grant. Upgrading a
// Lock produces a new Lock with the same ID and Level=Write; it does not
// mutate the original.
type Lock struct {
	Level   Level
	ID      ID
	Created int64 // monotonic nanoseconds since package initialization
}

func newLock(level Level) Lock {
	return Lock{Level: level, ID: newID(), Created: int64(time.Since(epoch))}
}

// Lockable mediates shared-exclusive access to a single key. It has no
// fairness policy: acquisition either succeeds immediately or fails
// immediately with ErrDenied. Queuing, if wanted, is the caller's layer
// (see lock.Queued).
type Lockable struct {
	mux     sync.Mutex
	writer  *Lock
	readers map[ID]Lock
}

// NewLockable returns an idle Lockable.
func NewLockable() *Lockable {
	return &Lockable{readers: make(map[ID]Lock)}
}

// CreateAndAcquire allocates a fresh Lock at the given level and attempts
// to acquire it against the current state in one atomic step.
func (lk *Lockable) CreateAndAcquire(level Level) (Lock, error) {
	lk.mux.Lock()
	defer lk.mux.Unlock()

	candidate := newLock(level)
	if !lk.admit(candidate) {
		return Lock{}, ErrDenied
	}
	lk.grant(candidate)
	return candidate, nil
}

// Upgrade takes a Read lock the caller already holds and produces a Write
// lock with the same ID. If the caller is already the writer, the existing
// writer lock is returned unchanged. Fails if any other reader exists.
func (lk *Lockable) Upgrade(l Lock) (Lock, error) {
	lk.mux.Lock()
	defer lk.mux.Unlock()

	if lk.writer != nil && lk.writer.ID == l.ID {
		return *lk.writer, nil
	}

	for id := range lk.readers {
		if id != l.ID {
			return Lock{}, ErrDenied
		}
	}

	upgraded := Lock{Level: Write, ID: l.ID, Created: l.Created}
	delete(lk.readers, l.ID)
	lk.writer = &upgraded
	return upgraded, nil
}

// Release removes l from whichever position it occupies. Releasing an
// unknown ID is a no-op, matching the idempotent release spec.md requires
// so transaction rollback paths never need to track whether a lock has
// already been let go.
func (lk *Lockable) Release(l Lock) {
	lk.mux.Lock()
	defer lk.mux.Unlock()

	if lk.writer != nil && lk.writer.ID == l.ID {
		lk.writer = nil
	}
	delete(lk.readers, l.ID)
}

// IsLocked reports whether any reader or writer is currently outstanding.
func (lk *Lockable) IsLocked() bool {
	lk.mux.Lock()
	defer lk.mux.Unlock()
	return lk.writer != nil || len(lk.readers) > 0
}

// Idle reports whether the Lockable currently holds no locks at all and
// can safely be dropped from a Manager's table.
func (lk *Lockable) Idle() bool {
	return !lk.IsLocked()
}

// admit implements the acquisition rules A1-A3. Caller must hold lk.mux.
func (lk *Lockable) admit(candidate Lock) bool {
	if lk.writer != nil && lk.writer.ID != candidate.ID {
		return false // A1
	}
	if candidate.Level == Write {
		for id := range lk.readers {
			if id != candidate.ID {
				return false // A2
			}
		}
	}
	return true
}

// grant installs an already-admitted candidate. Caller must hold lk.mux.
func (lk *Lockable) grant(candidate Lock) {
	if candidate.Level == Write {
		delete(lk.readers, candidate.ID)
		lk.writer = &candidate
		return
	}
	if lk.writer != nil && lk.writer.ID == candidate.ID {
		return
	}
	lk.readers[candidate.ID] = candidate
}
