// Package buffer implements the fixed-capacity page cache in front of
// the disk manager: a pool of frames, a free list, an extendible-hash
// page directory, and an LRU-K replacer, all mediated by one internal
// mutex.
package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"storagecore/pkg/page"
)

// DiskManager is the disk collaborator the pool reads through on a miss
// and writes through on eviction/flush. storagecore/pkg/disk.Manager
// satisfies it; tests substitute an in-memory fake.
type DiskManager interface {
	ReadPage(id page.ID, buf []byte) error
	WritePage(id page.ID, buf []byte) error
	AllocatePage() page.ID
}

// Manager is the buffer pool manager.
type Manager struct {
	mu sync.Mutex

	poolSize int
	frames   []*Frame
	freeList []page.FrameID

	dir      *pageDirectory
	replacer *lruKReplacer
	disk     DiskManager

	metrics *Metrics
	log     *zap.Logger
}

// NewManager builds a pool of poolSize frames backed by disk, evicting
// via LRU-K with history length k. metrics/log may be nil.
func NewManager(poolSize, k int, disk DiskManager, metrics *Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}

	frames := make([]*Frame, poolSize)
	freeList := make([]page.FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = &Frame{id: page.InvalidPageID}
		freeList[i] = page.FrameID(poolSize - 1 - i) // pop from the back; order doesn't matter
	}

	return &Manager{
		poolSize: poolSize,
		frames:   frames,
		freeList: freeList,
		dir:      newPageDirectory(),
		replacer: newLRUKReplacer(poolSize, k),
		disk:     disk,
		metrics:  metrics,
		log:      log,
	}
}

// NewPage allocates a fresh page, pins it into a frame, and returns both
// the new id and the frame. The caller must UnpinPage when done.
func (m *Manager) NewPage() (page.ID, *Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok, err := m.acquireFrame()
	if err != nil {
		return page.InvalidPageID, nil, err
	}
	if !ok {
		return page.InvalidPageID, nil, nil
	}

	id := m.disk.AllocatePage()
	f := m.frames[frameID]
	f.reset(id)
	f.pinCount = 1

	m.dir.Insert(id, frameID)
	if err := m.replacer.RecordAccess(frameID); err != nil {
		return page.InvalidPageID, nil, err
	}
	m.replacer.SetEvictable(frameID, false)
	m.metrics.pinDelta(1)

	m.log.Debug("new page", zap.Int64("page_id", int64(id)), zap.Int32("frame_id", int32(frameID)))
	return id, f, nil
}

// FetchPage returns the frame holding id, pinning it (and reading it from
// disk first if it is not already resident). The caller must UnpinPage
// when done. Returns (nil, nil) if the pool is exhausted and id is not
// already resident.
func (m *Manager) FetchPage(id page.ID) (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID, ok := m.dir.Find(id); ok {
		f := m.frames[frameID]
		f.pinCount++
		if f.pinCount == 1 {
			m.metrics.pinDelta(1)
		}
		if err := m.replacer.RecordAccess(frameID); err != nil {
			return nil, err
		}
		m.replacer.SetEvictable(frameID, false)
		m.metrics.recordHit()
		return f, nil
	}

	m.metrics.recordMiss()

	frameID, ok, err := m.acquireFrame()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	f := m.frames[frameID]
	f.reset(id)
	if err := m.disk.ReadPage(id, f.data[:]); err != nil {
		return nil, fmt.Errorf("buffer: failed to read page %d from disk: %w", id, err)
	}
	f.pinCount = 1

	m.dir.Insert(id, frameID)
	if err := m.replacer.RecordAccess(frameID); err != nil {
		return nil, err
	}
	m.replacer.SetEvictable(frameID, false)
	m.metrics.pinDelta(1)

	return f, nil
}

// UnpinPage decrements id's pin count, marking its frame evictable once
// the count reaches zero. isDirty is OR'd into the frame's dirty bit; it
// is never cleared here.
func (m *Manager) UnpinPage(id page.ID, isDirty bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.dir.Find(id)
	if !ok {
		return false, nil
	}

	f := m.frames[frameID]
	if f.pinCount <= 0 {
		return false, fmt.Errorf("buffer: unpin called on page %d with pin count %d", id, f.pinCount)
	}

	if isDirty {
		f.dirty = true
	}
	f.pinCount--
	if f.pinCount == 0 {
		m.replacer.SetEvictable(frameID, true)
		m.metrics.pinDelta(-1)
	}
	return true, nil
}

// FlushPage writes id to disk unconditionally and clears its dirty bit.
func (m *Manager) FlushPage(id page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.dir.Find(id)
	if !ok {
		return false, nil
	}

	f := m.frames[frameID]
	if err := m.disk.WritePage(id, f.data[:]); err != nil {
		return false, fmt.Errorf("buffer: failed to flush page %d: %w", id, err)
	}
	f.dirty = false
	return true, nil
}

// FlushAllPages writes every resident page to disk. Each frame's own
// stored page id is the write target; the frame index says nothing about
// where a page lives on disk.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.frames {
		if !f.id.Valid() {
			continue
		}
		if err := m.disk.WritePage(f.id, f.data[:]); err != nil {
			return fmt.Errorf("buffer: failed to flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	return nil
}

// DeletePage removes id from the pool, freeing its frame. A no-op if id
// is not resident; fails if id is still pinned.
func (m *Manager) DeletePage(id page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.dir.Find(id)
	if !ok {
		return true, nil
	}

	f := m.frames[frameID]
	if f.pinCount != 0 {
		return false, fmt.Errorf("buffer: cannot delete pinned page %d (pin count %d)", id, f.pinCount)
	}

	if f.dirty {
		if err := m.disk.WritePage(id, f.data[:]); err != nil {
			return false, fmt.Errorf("buffer: failed to flush page %d before delete: %w", id, err)
		}
	}

	m.dir.Remove(id)
	if err := m.replacer.Remove(frameID); err != nil {
		return false, err
	}
	f.reset(page.InvalidPageID)
	m.freeList = append(m.freeList, frameID)
	return true, nil
}

// acquireFrame returns a free frame or, failing that, asks the replacer
// for a victim, flushing it first if dirty. ok is false if neither the
// free list nor the replacer yields anything.
func (m *Manager) acquireFrame() (page.FrameID, bool, error) {
	if n := len(m.freeList); n > 0 {
		frameID := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return frameID, true, nil
	}

	frameID, ok := m.replacer.Evict()
	if !ok {
		return 0, false, nil
	}

	victim := m.frames[frameID]
	if victim.id.Valid() {
		if victim.dirty {
			if err := m.disk.WritePage(victim.id, victim.data[:]); err != nil {
				return 0, false, fmt.Errorf("buffer: failed to flush evicted page %d: %w", victim.id, err)
			}
		}
		m.dir.Remove(victim.id)
		m.metrics.recordEviction()
		m.log.Debug("evicted page", zap.Int64("page_id", int64(victim.id)), zap.Int32("frame_id", int32(frameID)))
	}

	return frameID, true, nil
}
