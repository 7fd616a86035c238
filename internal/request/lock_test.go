package request

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thellimist/oidcauth/internal/autherr"
)

func TestExclusionLockAdmitsOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lock := NewExclusionLock()
	a := h.newRequest(testParams())
	b := h.newRequest(testParams())

	require.NoError(t, lock.TryTake(a))
	assert.Same(t, a, lock.Current())

	err := lock.TryTake(b)
	require.Error(t, err)
	assert.Equal(t, autherr.CodeInteractionInProgress, autherr.CodeOf(err))

	// Releasing a lock held by someone else is a no-op.
	lock.Release(b)
	assert.Same(t, a, lock.Current())

	lock.Release(a)
	assert.Nil(t, lock.Current())
	lock.Release(a)

	require.NoError(t, lock.TryTake(b))
	assert.Same(t, b, lock.Current())
	lock.Release(b)
	assert.Nil(t, lock.Current())
}

func TestExclusionLockStaleReleaseKeepsNewHolder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lock := NewExclusionLock()
	a := h.newRequest(testParams())
	b := h.newRequest(testParams())

	require.NoError(t, lock.TryTake(a))
	lock.Release(a)
	require.NoError(t, lock.TryTake(b))

	lock.Release(a)
	assert.Same(t, b, lock.Current())
}

func TestExclusionLockTakenTwicePanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lock := NewExclusionLock()
	a := h.newRequest(testParams())

	require.NoError(t, lock.TryTake(a))
	assert.Panics(t, func() { _ = lock.TryTake(a) })
}

func TestExclusionLockConcurrentTryTake(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lock := NewExclusionLock()

	const n = 16
	reqs := make([]*Request, n)
	for i := range reqs {
		reqs[i] = h.newRequest(testParams())
	}

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		start  = make(chan struct{})
		winner atomic.Pointer[Request]
	)
	for _, r := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if lock.TryTake(r) == nil {
				wins.Add(1)
				winner.Store(r)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Same(t, winner.Load(), lock.Current())
	lock.Release(winner.Load())
	assert.Nil(t, lock.Current())
}

func TestSharedExclusionLockReset(t *testing.T) {
	before := SharedExclusionLock()
	assert.Same(t, before, SharedExclusionLock())
	ResetSharedExclusionLock()
	assert.NotSame(t, before, SharedExclusionLock())
}
