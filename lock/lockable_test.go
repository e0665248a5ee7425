package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockableReadersDoNotExcludeEachOther(t *testing.T) {
	lk := NewLockable()

	a, err := lk.CreateAndAcquire(Read)
	require.NoError(t, err)
	b, err := lk.CreateAndAcquire(Read)
	require.NoError(t, err)

	assert.True(t, lk.IsLocked())
	lk.Release(a)
	lk.Release(b)
	assert.False(t, lk.IsLocked())
}

func TestLockableWriterExcludesEverything(t *testing.T) {
	lk := NewLockable()

	w, err := lk.CreateAndAcquire(Write)
	require.NoError(t, err)

	_, err = lk.CreateAndAcquire(Read)
	assert.ErrorIs(t, err, ErrDenied)
	_, err = lk.CreateAndAcquire(Write)
	assert.ErrorIs(t, err, ErrDenied)

	lk.Release(w)
	_, err = lk.CreateAndAcquire(Write)
	assert.NoError(t, err)
}

func TestLockableUpgradeSoleReaderSucceeds(t *testing.T) {
	lk := NewLockable()

	r, err := lk.CreateAndAcquire(Read)
	require.NoError(t, err)

	w, err := lk.Upgrade(r)
	require.NoError(t, err)
	assert.Equal(t, r.ID, w.ID)
	assert.Equal(t, Write, w.Level)

	_, err = lk.CreateAndAcquire(Read)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestLockableUpgradeWithOtherReadersFails(t *testing.T) {
	lk := NewLockable()

	r1, err := lk.CreateAndAcquire(Read)
	require.NoError(t, err)
	_, err = lk.CreateAndAcquire(Read)
	require.NoError(t, err)

	_, err = lk.Upgrade(r1)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestLockableReleaseIsIdempotent(t *testing.T) {
	lk := NewLockable()
	w, err := lk.CreateAndAcquire(Write)
	require.NoError(t, err)

	lk.Release(w)
	assert.NotPanics(t, func() { lk.Release(w) })
	assert.True(t, lk.Idle())
}

func TestLockableConcurrentReaders(t *testing.T) {
	lk := NewLockable()

	wg := sync.WaitGroup{}
	n := 200
	locks := make([]Lock, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locks[i], errs[i] = lk.CreateAndAcquire(Read)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	for _, l := range locks {
		lk.Release(l)
	}
	assert.True(t, lk.Idle())
}
