package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storagecore/pkg/page"
)

// TestReplacer_KDistance: frames accessed in order 1,2,3,1,2,1 (all
// evictable), k=2. The infinite-distance class
// shrinks as frames cross the k-access threshold; LRU breaks ties within
// it, and k-distance breaks ties once frames graduate.
func TestReplacer_KDistance(t *testing.T) {
	r := newLRUKReplacer(10, 2)

	access := func(f page.FrameID) {
		require.NoError(t, r.RecordAccess(f))
		r.SetEvictable(f, true)
	}

	for _, f := range []page.FrameID{1, 2, 3, 1, 2, 1} {
		access(f)
	}

	require.Equal(t, 3, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 3, victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 2, victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 1, victim)

	require.Equal(t, 0, r.Size())
}

func TestReplacer_NewFrameStartsNonEvictable(t *testing.T) {
	r := newLRUKReplacer(4, 2)
	require.NoError(t, r.RecordAccess(1))
	require.Equal(t, 0, r.Size())

	_, ok := r.Evict()
	require.False(t, ok)

	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())
}

func TestReplacer_SetEvictableIsIdempotentAndIgnoresUntracked(t *testing.T) {
	r := newLRUKReplacer(4, 2)
	r.SetEvictable(99, true) // untracked: no-op, must not panic

	require.NoError(t, r.RecordAccess(1))
	r.SetEvictable(1, true)
	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())
}

func TestReplacer_RemoveFailsOnPinnedFrame(t *testing.T) {
	r := newLRUKReplacer(4, 2)
	require.NoError(t, r.RecordAccess(1))

	err := r.Remove(1)
	require.Error(t, err)

	r.SetEvictable(1, true)
	require.NoError(t, r.Remove(1))
	require.Equal(t, 0, r.Size())
}

func TestReplacer_RemoveUntrackedIsNoOp(t *testing.T) {
	r := newLRUKReplacer(4, 2)
	require.NoError(t, r.Remove(42))
}

func TestReplacer_EvictOnlyConsidersEvictableFrames(t *testing.T) {
	r := newLRUKReplacer(4, 2)
	require.NoError(t, r.RecordAccess(1))
	require.NoError(t, r.RecordAccess(2))
	r.SetEvictable(2, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 2, victim)

	_, ok = r.Evict()
	require.False(t, ok) // frame 1 is still pinned (non-evictable)
}
