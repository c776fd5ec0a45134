// Package catalog persists named index root-page records in the fixed
// header page, so an index can recover its root across process restarts.
package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"storagecore/pkg/buffer"
	"storagecore/pkg/page"
)

// Header page layout: recordCount(2) followed by fixed-width records of
// (name, rootPageID). Names are zero-padded to nameSize bytes.
const (
	nameSize   = 32
	recordSize = nameSize + 8
	countSize  = 2

	maxRecords = (page.Size - countSize) / recordSize
)

// RootCatalog owns the header page and its (index name, root page id)
// records. The first time a name is recorded the record is appended;
// subsequent updates overwrite it in place.
type RootCatalog struct {
	mu  sync.Mutex
	bpm *buffer.Manager
}

// Open returns a catalog over bpm's header page. Pass reserve=true when
// the backing file is brand new: the header page is then allocated, and
// it must come out as the fixed header page id (the very first
// allocation on an empty file).
func Open(bpm *buffer.Manager, reserve bool) (*RootCatalog, error) {
	if reserve {
		id, frame, err := bpm.NewPage()
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to allocate header page: %w", err)
		}
		if frame == nil {
			return nil, fmt.Errorf("catalog: buffer pool exhausted allocating header page")
		}
		if id != page.HeaderPageID {
			return nil, fmt.Errorf("catalog: header page allocated as %d, want %d; file is not empty", id, page.HeaderPageID)
		}
		if _, err := bpm.UnpinPage(id, true); err != nil {
			return nil, err
		}
	}
	return &RootCatalog{bpm: bpm}, nil
}

// GetRoot returns the root page id recorded under name, if any.
func (c *RootCatalog) GetRoot(name string) (page.ID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return page.InvalidPageID, false, err
	}
	if frame == nil {
		return page.InvalidPageID, false, fmt.Errorf("catalog: buffer pool exhausted fetching header page")
	}
	frame.Latch.RLock()
	defer func() {
		frame.Latch.RUnlock()
		c.bpm.UnpinPage(page.HeaderPageID, false)
	}()

	buf := frame.Data()
	i, found := findRecord(buf, name)
	if !found {
		return page.InvalidPageID, false, nil
	}
	off := recordOffset(i) + nameSize
	return page.ID(binary.BigEndian.Uint64(buf[off : off+8])), true, nil
}

// SetRoot records root as the root page id for name, inserting a new
// record on first use and updating it in place thereafter.
func (c *RootCatalog) SetRoot(name string, root page.ID) error {
	if len(name) == 0 || len(name) > nameSize {
		return fmt.Errorf("catalog: index name must be 1..%d bytes, got %d", nameSize, len(name))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("catalog: buffer pool exhausted fetching header page")
	}
	frame.Latch.Lock()
	defer func() {
		frame.Latch.Unlock()
		c.bpm.UnpinPage(page.HeaderPageID, true)
	}()

	buf := frame.Data()
	i, found := findRecord(buf, name)
	if !found {
		count := recordCount(buf)
		if count >= maxRecords {
			return fmt.Errorf("catalog: header page full (%d records)", count)
		}
		i = count
		setRecordCount(buf, count+1)

		off := recordOffset(i)
		var padded [nameSize]byte
		copy(padded[:], name)
		copy(buf[off:off+nameSize], padded[:])
	}

	off := recordOffset(i) + nameSize
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(root))
	return nil
}

func recordCount(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[0:countSize]))
}

func setRecordCount(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[0:countSize], uint16(n))
}

func recordOffset(i int) int {
	return countSize + i*recordSize
}

func findRecord(buf []byte, name string) (int, bool) {
	var padded [nameSize]byte
	copy(padded[:], name)

	for i := 0; i < recordCount(buf); i++ {
		off := recordOffset(i)
		if bytes.Equal(buf[off:off+nameSize], padded[:]) {
			return i, true
		}
	}
	return 0, false
}
