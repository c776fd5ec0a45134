package buffer

import (
	"hash/fnv"
	"sync"

	"storagecore/pkg/page"
)

// bucketSize bounds how many (page, frame) pairs a single directory
// bucket holds before it must split. Small on purpose: this directory
// only ever holds pool_size entries.
const bucketSize = 4

type dirEntry struct {
	page  page.ID
	frame page.FrameID
}

type bucket struct {
	localDepth int
	entries    []dirEntry
}

func newBucket(localDepth int) *bucket {
	return &bucket{localDepth: localDepth}
}

func (b *bucket) find(id page.ID) (page.FrameID, bool) {
	for _, e := range b.entries {
		if e.page == id {
			return e.frame, true
		}
	}
	return 0, false
}

func (b *bucket) full() bool {
	return len(b.entries) >= bucketSize
}

func (b *bucket) put(id page.ID, frame page.FrameID) {
	for i, e := range b.entries {
		if e.page == id {
			b.entries[i].frame = frame
			return
		}
	}
	b.entries = append(b.entries, dirEntry{page: id, frame: frame})
}

func (b *bucket) remove(id page.ID) bool {
	for i, e := range b.entries {
		if e.page == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// pageDirectory is an extendible hash table mapping page id -> frame id:
// a directory of bucket pointers with global depth G,
// each bucket carrying local depth L<=G, splitting on overflow by
// rehashing entries against bit (1<<L) and doubling the directory when
// L==G. Protected by a single mutex.
type pageDirectory struct {
	mu          sync.Mutex
	globalDepth int
	dir         []*bucket
}

func newPageDirectory() *pageDirectory {
	b := newBucket(0)
	return &pageDirectory{
		globalDepth: 0,
		dir:         []*bucket{b},
	}
}

func hashOf(id page.ID) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	v := int64(id)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

func indexOf(id page.ID, globalDepth int) int {
	mask := (uint64(1) << uint(globalDepth)) - 1
	return int(hashOf(id) & mask)
}

// Find returns the frame holding id, if resident.
func (d *pageDirectory) Find(id page.ID) (page.FrameID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.dir[indexOf(id, d.globalDepth)]
	return b.find(id)
}

// Insert records that id is resident in frame, splitting and doubling
// the directory as many times as needed to make room.
func (d *pageDirectory) Insert(id page.ID, frame page.FrameID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		idx := indexOf(id, d.globalDepth)
		b := d.dir[idx]

		if _, exists := b.find(id); exists {
			b.put(id, frame)
			return
		}

		if !b.full() {
			b.put(id, frame)
			return
		}

		d.splitBucket(idx)
	}
}

// splitBucket splits the bucket at directory slot idx, doubling the
// directory first if its local depth has caught up to the global depth.
func (d *pageDirectory) splitBucket(idx int) {
	old := d.dir[idx]

	if old.localDepth == d.globalDepth {
		d.dir = append(d.dir, d.dir...)
		d.globalDepth++
	}

	newLocalDepth := old.localDepth + 1
	zeroBucket := newBucket(newLocalDepth)
	oneBucket := newBucket(newLocalDepth)
	splitBit := uint64(1) << uint(old.localDepth)

	for _, e := range old.entries {
		if hashOf(e.page)&splitBit != 0 {
			oneBucket.entries = append(oneBucket.entries, e)
		} else {
			zeroBucket.entries = append(zeroBucket.entries, e)
		}
	}

	for i, b := range d.dir {
		if b == old {
			if uint64(i)&splitBit != 0 {
				d.dir[i] = oneBucket
			} else {
				d.dir[i] = zeroBucket
			}
		}
	}
}

// Remove drops id from the directory, if present.
func (d *pageDirectory) Remove(id page.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.dir[indexOf(id, d.globalDepth)]
	b.remove(id)
}
