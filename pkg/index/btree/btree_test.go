package btree

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"storagecore/pkg/buffer"
	"storagecore/pkg/catalog"
	"storagecore/pkg/disk"
	"storagecore/pkg/page"
	"storagecore/pkg/txn"
)

// fakeDisk is a minimal in-memory stand-in for storagecore/pkg/disk.Manager,
// large enough to back a buffer pool under B+Tree churn.
type fakeDisk struct {
	mu    sync.Mutex
	pages map[page.ID][page.Size]byte
	next  int64
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{pages: make(map[page.ID][page.Size]byte)}
}

func (d *fakeDisk) AllocatePage() page.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := page.ID(d.next)
	d.next++
	return id
}

func (d *fakeDisk) ReadPage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.pages[id]
	copy(buf, data[:])
	return nil
}

func (d *fakeDisk) WritePage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var data [page.Size]byte
	copy(data[:], buf)
	d.pages[id] = data
	return nil
}

func rid(slot int) txn.RowID { return txn.RowID{PageID: page.ID(slot), Slot: slot} }

func newTestIndex(poolSize, leafMax, internalMax int) *Index {
	bpm := buffer.NewManager(poolSize, 2, newFakeDisk(), nil, nil)
	return New(bpm, leafMax, internalMax, nil)
}

func collect(t *testing.T, idx *Index) []Key {
	t.Helper()
	it, err := idx.Begin()
	require.NoError(t, err)
	defer it.Close()

	var got []Key
	for it.Valid() {
		got = append(got, it.Key())
		require.NoError(t, it.Next())
	}
	return got
}

// TestInsertAndGetValue_RoundTrip: inserting a key that already exists
// returns false and leaves the original value intact.
func TestInsertAndGetValue_RoundTrip(t *testing.T) {
	idx := newTestIndex(16, 4, 4)

	ok, err := idx.Insert(10, rid(10))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = idx.Insert(20, rid(20))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = idx.Insert(30, rid(30))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = idx.Insert(20, rid(999))
	require.NoError(t, err)
	require.False(t, ok)

	got, found, err := idx.GetValue(20)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(20), got)
}

func TestGetValue_MissingKey(t *testing.T) {
	idx := newTestIndex(16, 4, 4)
	_, err := idx.Insert(1, rid(1))
	require.NoError(t, err)

	_, found, err := idx.GetValue(2)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertThenRemove_GetValueFails(t *testing.T) {
	idx := newTestIndex(16, 4, 4)
	_, err := idx.Insert(5, rid(5))
	require.NoError(t, err)

	ok, err := idx.Remove(5)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := idx.GetValue(5)
	require.NoError(t, err)
	require.False(t, found)

	ok, err = idx.Remove(5)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestGrowthThroughMultipleSplits: leaf_max=3 forces the tree to split
// repeatedly as keys 1..7 are inserted in order, and the tree stays
// well-formed (in-order traversal, every key findable) after each one.
func TestGrowthThroughMultipleSplits(t *testing.T) {
	idx := newTestIndex(32, 3, 3)

	for k := 1; k <= 7; k++ {
		ok, err := idx.Insert(Key(k), rid(k))
		require.NoError(t, err)
		require.True(t, ok, "insert %d", k)

		for probe := 1; probe <= k; probe++ {
			got, found, err := idx.GetValue(Key(probe))
			require.NoError(t, err)
			require.True(t, found, "key %d missing after inserting up to %d", probe, k)
			require.Equal(t, rid(probe), got)
		}

		require.Equal(t, keyRange(1, k), collect(t, idx))
	}
}

func TestInsertOutOfOrder_IterationStillSorted(t *testing.T) {
	idx := newTestIndex(32, 3, 3)
	order := []int{5, 1, 9, 3, 7, 2, 8, 4, 6}
	for _, k := range order {
		ok, err := idx.Insert(Key(k), rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Equal(t, keyRange(1, 9), collect(t, idx))
}

// TestDeleteCausesMergeAndRootShrink exercises the merge path (deleting
// from the largest key down merges every underfull node into its left
// sibling; no redistribution happens here) and the root-collapse cases
// in handleRootUnderflow: deleting back
// down to one key must leave the tree with a single-leaf root, not a
// dangling internal node.
func TestDeleteCausesMergeAndRootShrink(t *testing.T) {
	idx := newTestIndex(32, 3, 3)
	for k := 1; k <= 7; k++ {
		_, err := idx.Insert(Key(k), rid(k))
		require.NoError(t, err)
	}

	for k := 7; k >= 2; k-- {
		ok, err := idx.Remove(Key(k))
		require.NoError(t, err)
		require.True(t, ok, "remove %d", k)
		require.Equal(t, keyRange(1, k-1), collect(t, idx))
	}

	require.False(t, idx.IsEmpty())
	got, found, err := idx.GetValue(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), got)

	ok, err := idx.Remove(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, idx.IsEmpty())
}

func TestBeginAt_SkipsToNextLeafWhenKeyAbsent(t *testing.T) {
	idx := newTestIndex(32, 3, 3)
	for _, k := range []int{1, 2, 3, 4, 5, 6} {
		_, err := idx.Insert(Key(k), rid(k))
		require.NoError(t, err)
	}

	it, err := idx.BeginAt(Key(10))
	require.NoError(t, err)
	defer it.Close()
	require.False(t, it.Valid())

	it2, err := idx.BeginAt(Key(4))
	require.NoError(t, err)
	defer it2.Close()

	var got []Key
	for it2.Valid() {
		got = append(got, it2.Key())
		require.NoError(t, it2.Next())
	}
	require.Equal(t, keyRange(4, 6), got)
}

func TestBeginOnEmptyTree(t *testing.T) {
	idx := newTestIndex(16, 4, 4)
	it, err := idx.Begin()
	require.NoError(t, err)
	require.False(t, it.Valid())
	it.Close()
}

func TestConcurrentInserts_AllSurvive(t *testing.T) {
	idx := newTestIndex(64, 4, 4)
	const n = 200

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			_, err := idx.Insert(Key(k), rid(k))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		got, found, err := idx.GetValue(Key(i))
		require.NoError(t, err)
		require.True(t, found, "key %d missing", i)
		require.Equal(t, rid(i), got)
	}
	require.Equal(t, keyRange(0, n-1), collect(t, idx))
}

func keyRange(lo, hi int) []Key {
	out := make([]Key, 0, hi-lo+1)
	for k := lo; k <= hi; k++ {
		out = append(out, Key(k))
	}
	return out
}

// TestPersistentIndex_RootSurvivesReopen drives the full stack: real
// disk file, buffer pool, header-page catalog, and an index whose root
// record is written on creation and updated as the tree grows.
func TestPersistentIndex_RootSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	dm, err := disk.Open(path)
	require.NoError(t, err)
	bpm := buffer.NewManager(32, 2, dm, nil, nil)
	cat, err := catalog.Open(bpm, true)
	require.NoError(t, err)

	idx, err := NewPersistent(bpm, cat, "orders_pk", 3, 3, nil)
	require.NoError(t, err)
	require.True(t, idx.IsEmpty())

	for k := 1; k <= 10; k++ {
		ok, err := idx.Insert(Key(k), rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.True(t, idx.GetRootPageID().Valid())

	require.NoError(t, bpm.FlushAllPages())
	require.NoError(t, dm.Close())

	dm2, err := disk.Open(path)
	require.NoError(t, err)
	defer dm2.Close()
	bpm2 := buffer.NewManager(32, 2, dm2, nil, nil)
	cat2, err := catalog.Open(bpm2, false)
	require.NoError(t, err)

	idx2, err := NewPersistent(bpm2, cat2, "orders_pk", 3, 3, nil)
	require.NoError(t, err)
	require.Equal(t, idx.GetRootPageID(), idx2.GetRootPageID())

	for k := 1; k <= 10; k++ {
		got, found, err := idx2.GetValue(Key(k))
		require.NoError(t, err)
		require.True(t, found, "key %d missing after reopen", k)
		require.Equal(t, rid(k), got)
	}
	require.Equal(t, keyRange(1, 10), collect(t, idx2))
}

func TestString_ReportsRoot(t *testing.T) {
	idx := newTestIndex(16, 4, 4)
	require.Contains(t, idx.String(), "btree.Index")
	_, err := idx.Insert(1, rid(1))
	require.NoError(t, err)
	require.NotContains(t, idx.String(), fmt.Sprint(page.InvalidPageID))
}
