// Package disk implements the fixed-size page file that backs the buffer
// pool. It is the external collaborator the buffer pool manager depends
// on: ReadPage/WritePage by dense page id, monotonic allocation.
package disk

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"storagecore/pkg/page"
)

// Manager owns a single OS file holding fixed-size pages, numbered
// densely from 0: one *os.File, one mutex, ReadAt/WriteAt by
// page-aligned offset.
type Manager struct {
	file       *os.File
	mutex      sync.RWMutex
	nextPageID int64
	generation string // uuid stamped on each Open, so one open of the file can be told from another
}

// Open opens (or creates) the data file at path. Every open stamps a
// fresh generation id, and the existing page count seeds the page-id
// allocator.
func Open(path string) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("disk: path cannot be empty")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk: failed to open data file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: failed to stat data file: %w", err)
	}

	numPages := info.Size() / page.Size
	if info.Size()%page.Size != 0 {
		numPages++
	}

	m := &Manager{
		file:       f,
		nextPageID: numPages,
		generation: uuid.NewString(),
	}
	return m, nil
}

// Generation returns the uuid stamped on this open of the data file. It
// lets a caller detect that a disk manager was recycled without closing.
func (m *Manager) Generation() string {
	return m.generation
}

// AllocatePage reserves the next dense page id without writing anything.
func (m *Manager) AllocatePage() page.ID {
	id := atomic.AddInt64(&m.nextPageID, 1) - 1
	return page.ID(id)
}

// ReadPage reads exactly page.Size bytes for id. Reading past end-of-file
// returns a zeroed buffer, matching a page that was allocated but never
// flushed.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return fmt.Errorf("disk: read buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	if !id.Valid() {
		return fmt.Errorf("disk: cannot read invalid page id")
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	offset := int64(id) * page.Size
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil && n < page.Size {
		return fmt.Errorf("disk: short read for page %d: %w", id, err)
	}
	return nil
}

// WritePage writes exactly page.Size bytes for id.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return fmt.Errorf("disk: write buffer must be %d bytes, got %d", page.Size, len(buf))
	}
	if !id.Valid() {
		return fmt.Errorf("disk: cannot write invalid page id")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	offset := int64(id) * page.Size
	if _, err := m.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk: failed to write page %d: %w", id, err)
	}
	return nil
}

// Size returns the number of pages that have been allocated so far.
func (m *Manager) Size() int64 {
	return atomic.LoadInt64(&m.nextPageID)
}

// Close flushes and releases the underlying file handle.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("disk: failed to sync data file: %w", err)
	}
	return m.file.Close()
}
