package lock

import (
	"math"
	"runtime"
	"sync"
)

// mapper maps a Key to one of numShards shard indices. It should spread
// keys close to uniformly; Manager only ever has one implementation of
// this, but it is kept as an interface the way the rest of this module's
// decorators are, so an alternative mapper can be swapped in without
// touching shardedLockables itself.
type mapper interface {
	shard(key string, numShards int) int
}

// xorMapper distributes string keys across shards by XOR-folding their
// bytes. It works best when numShards is a power of two.
type xorMapper struct{}

func (xorMapper) shard(key string, numShards int) int {
	var s byte
	for i := 0; i < len(key); i++ {
		s ^= key[i]
	}
	return int(s) % numShards
}

// defaultShardCount returns the nearest power of two at or above the
// number of available CPUs, the same heuristic used to size any other
// per-core-sharded structure in this module's ancestry.
func defaultShardCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}

// shardedLockables is a lazily-populated map from Key to *Lockable, split
// across N independently-mutexed shards so that negotiating locks for
// unrelated keys on different goroutines does not serialize on one global
// mutex. Entries are created on first touch and erased once their
// Lockable goes idle, per the spec's Lockable lifecycle.
type shardedLockables struct {
	shards []lockableShard
	mapper mapper
}

type lockableShard struct {
	mux  sync.Mutex
	data map[string]*Lockable
}

func newShardedLockables(numShards int) *shardedLockables {
	if numShards <= 0 {
		numShards = defaultShardCount()
	}
	s := &shardedLockables{
		shards: make([]lockableShard, numShards),
		mapper: xorMapper{},
	}
	for i := range s.shards {
		s.shards[i].data = make(map[string]*Lockable)
	}
	return s
}

func (s *shardedLockables) shardFor(key string) *lockableShard {
	return &s.shards[s.mapper.shard(key, len(s.shards))]
}

// getOrCreate returns the Lockable for key, creating it if this is the
// first touch.
func (s *shardedLockables) getOrCreate(key string) *Lockable {
	sh := s.shardFor(key)
	sh.mux.Lock()
	defer sh.mux.Unlock()

	lk, ok := sh.data[key]
	if !ok {
		lk = NewLockable()
		sh.data[key] = lk
	}
	return lk
}

// dropIfIdle removes key's entry if its Lockable is idle. Called after
// every release so a Lockable with no remaining references does not
// linger in the table forever.
func (s *shardedLockables) dropIfIdle(key string) {
	sh := s.shardFor(key)
	sh.mux.Lock()
	defer sh.mux.Unlock()

	lk, ok := sh.data[key]
	if ok && lk.Idle() {
		delete(sh.data, key)
	}
}
