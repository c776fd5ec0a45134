package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"storagecore/pkg/page"
)

// fakeDisk is an in-memory stand-in for storagecore/pkg/disk.Manager,
// recording every write so tests can assert flush ordering.
type fakeDisk struct {
	mu     sync.Mutex
	pages  map[page.ID][page.Size]byte
	writes []page.ID
	next   int64
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
	d.writes = append(d.writes, id)
	return nil
}

// TestBPM_EvictionWritesDirtyVictimFirst: with every frame pinned except
// a dirty unpinned victim, allocating one more page must evict the
// victim and write it to disk before its frame is reused.
func TestBPM_EvictionWritesDirtyVictimFirst(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(3, 2, disk, nil, nil)

	idA, _, err := bpm.NewPage()
	require.NoError(t, err)
	idB, _, err := bpm.NewPage()
	require.NoError(t, err)
	idC, _, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
	require.NotEqual(t, idB, idC)

	ok, err := bpm.UnpinPage(idA, true)
	require.NoError(t, err)
	require.True(t, ok)

	idD, frameD, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotNil(t, frameD)
	require.EqualValues(t, 1, frameD.PinCount())

	require.Contains(t, disk.writes, idA)
	require.NotEqual(t, idA, idD)

	_, ok = bpm.dir.Find(idA)
	require.False(t, ok, "evicted page must be gone from the directory")
}

func TestBPM_FetchPageMissReadsFromDisk(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(4, 2, disk, nil, nil)

	id, frame, err := bpm.NewPage()
	require.NoError(t, err)
	frame.Data()[0] = 0xAB
	ok, err := bpm.UnpinPage(id, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = bpm.DeletePage(id)
	require.NoError(t, err)
	require.True(t, ok)

	frame2, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.NotNil(t, frame2)
	require.Equal(t, byte(0xAB), frame2.Data()[0])
}

func TestBPM_UnpinDecrementsPinCountAndMarksEvictable(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(2, 2, disk, nil, nil)

	id, frame, err := bpm.NewPage()
	require.NoError(t, err)
	require.EqualValues(t, 1, frame.PinCount())

	ok, err := bpm.UnpinPage(id, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, frame.PinCount())
	require.False(t, frame.IsDirty())
}

func TestBPM_UnpinUnknownPageFails(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(2, 2, disk, nil, nil)

	ok, err := bpm.UnpinPage(page.ID(42), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBPM_UnpinBelowZeroFails(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(2, 2, disk, nil, nil)

	id, _, err := bpm.NewPage()
	require.NoError(t, err)

	ok, err := bpm.UnpinPage(id, false)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = bpm.UnpinPage(id, false)
	require.Error(t, err)
}

func TestBPM_DeletePinnedPageFails(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(2, 2, disk, nil, nil)

	id, _, err := bpm.NewPage()
	require.NoError(t, err)

	ok, err := bpm.DeletePage(id)
	require.Error(t, err)
	require.False(t, ok)
}

func TestBPM_PoolExhaustionWithAllFramesPinned(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(2, 2, disk, nil, nil)

	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	id, frame, err := bpm.NewPage()
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Equal(t, page.InvalidPageID, id)
}

func TestBPM_FlushAllPagesUsesEachFramesOwnPageID(t *testing.T) {
	disk := newFakeDisk()
	bpm := NewManager(4, 2, disk, nil, nil)

	ids := make([]page.ID, 0, 3)
	for i := 0; i < 3; i++ {
		id, frame, err := bpm.NewPage()
		require.NoError(t, err)
		frame.Data()[0] = byte(i + 1)
		ids = append(ids, id)
		_, err = bpm.UnpinPage(id, true)
		require.NoError(t, err)
	}

	require.NoError(t, bpm.FlushAllPages())

	for i, id := range ids {
		data := disk.pages[id]
		require.Equal(t, byte(i+1), data[0])
	}
}
