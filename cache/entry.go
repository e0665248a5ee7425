package cache

import "github.com/c-pro/blobkit"

// modification records the outstanding change (if any) a cache entry
// carries toward the backend. None means the entry mirrors the backend
// (or has no backend opinion yet); Updated/Deleted mean a flush is owed.
type modification int

const (
	modNone modification = iota
	modUpdated
	modDeleted
)

// entry is the per-key bookkeeping CachedStore keeps in memory. Every
// field here corresponds directly to a piece of spec.md 3's "Cache state"
// data model.
type entry struct {
	// present is whether current holds a meaningful value. A "listed but
	// unread" stub has present=false and negativePresence=false: it is
	// known to exist (the backend listed it) but its value hasn't been
	// fetched yet.
	present bool
	current blobkit.Blob

	// hasOriginal and original implement the abort snapshot: original is
	// taken lazily on the first mutation of a key and restored verbatim
	// by abort. originalPresent distinguishes "the original was absent"
	// from "the original had a zero-value blob".
	hasOriginal     bool
	originalPresent bool
	original        blobkit.Blob

	modification     modification
	negativePresence bool

	// lastEncrypt is the encrypted flag most recently passed to Get or
	// Put for this key. Delete leaves it unchanged and Abort does not
	// restore it; a restored original blob carries its own Encrypted flag.
	lastEncrypt bool
}

// snapshotOriginal records the pre-mutation state of the entry the first
// time a key is touched by Put or Delete in a modification epoch. Per
// invariant C2, original is only recorded while a modification is
// outstanding and only when the prior state was observable in the cache
// (a fetched value or a known absence), so a second mutation before
// flush/abort does not overwrite the snapshot taken by the first, and an
// entry mutated before anything was observed has no original at all.
func (e *entry) snapshotOriginal() {
	if e.hasOriginal || e.modification != modNone {
		return
	}
	if !e.present && !e.negativePresence {
		return
	}
	e.hasOriginal = true
	e.originalPresent = e.present
	e.original = e.current
}

// forgetOriginal clears the abort snapshot, called after a successful
// flush (the backend now matches current, so there is nothing to roll
// back to) or once Abort has restored the snapshot.
func (e *entry) forgetOriginal() {
	e.hasOriginal = false
	e.originalPresent = false
	e.original = blobkit.Blob{}
}
