package lock

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedLockablesGetOrCreateIsStable(t *testing.T) {
	s := newShardedLockables(4)

	a := s.getOrCreate("foo")
	b := s.getOrCreate("foo")
	assert.Same(t, a, b)
}

func TestShardedLockablesDropIfIdle(t *testing.T) {
	s := newShardedLockables(4)

	lk := s.getOrCreate("foo")
	l, err := lk.CreateAndAcquire(Write)
	assert.NoError(t, err)

	s.dropIfIdle("foo")
	assert.Same(t, lk, s.getOrCreate("foo"))

	lk.Release(l)
	s.dropIfIdle("foo")
	assert.NotSame(t, lk, s.getOrCreate("foo"))
}

func TestShardedLockablesConcurrentDistinctKeys(t *testing.T) {
	s := newShardedLockables(8)

	wg := sync.WaitGroup{}
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i)
			lk := s.getOrCreate(key)
			l, err := lk.CreateAndAcquire(Write)
			assert.NoError(t, err)
			lk.Release(l)
		}(i)
	}
	wg.Wait()
}

func TestDefaultShardCountIsPowerOfTwo(t *testing.T) {
	n := defaultShardCount()
	assert.GreaterOrEqual(t, n, 1)
	assert.Equal(t, n&(n-1), 0)
}
