package btree

import (
	"fmt"

	"storagecore/pkg/buffer"
	"storagecore/pkg/page"
	"storagecore/pkg/txn"
)

// Iterator is a forward, read-only cursor over the leaf chain. It pins
// exactly one leaf at a time, unpinning on advance or Close, and
// terminates when the chain runs out of leaves. An Iterator is
// single-reader and gives no isolation from concurrent writers; callers
// needing a consistent view must serialize externally.
type Iterator struct {
	idx   *Index
	frame *buffer.Frame
	pos   int
}

// Begin returns an iterator positioned at the first entry in key order.
func (idx *Index) Begin() (*Iterator, error) {
	frame, err := idx.descendLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	it := &Iterator{idx: idx, frame: frame}
	if err := it.skipEmptyLeaves(); err != nil {
		return nil, err
	}
	return it, nil
}

// BeginAt returns an iterator positioned at the first entry with key >=
// the argument, advancing past the found leaf if it holds no such key.
func (idx *Index) BeginAt(key Key) (*Iterator, error) {
	if idx.IsEmpty() {
		return &Iterator{idx: idx}, nil
	}

	cr, err := idx.descend(key, modeRead)
	if err != nil {
		return nil, err
	}
	leaf := cr.leafFrame()
	if leaf == nil {
		cr.releaseAll(nil)
		return &Iterator{idx: idx}, nil
	}
	cr.drop(leaf.PageID()) // iterator now owns this latch/pin, not the crab

	i, _ := newNodeView(leaf.Data()).leafFind(key)
	it := &Iterator{idx: idx, frame: leaf, pos: i}
	if err := it.skipEmptyLeaves(); err != nil {
		return nil, err
	}
	return it, nil
}

// descendLeftmostLeaf walks from the root to the leftmost leaf with read
// latches, releasing each parent's latch and pin as soon as its child is
// latched.
func (idx *Index) descendLeftmostLeaf() (*buffer.Frame, error) {
	idx.rootLatch.RLock()
	rootID := idx.currentRootID()
	if rootID == page.InvalidPageID {
		idx.rootLatch.RUnlock()
		return nil, nil
	}

	frame, err := idx.bpm.FetchPage(rootID)
	if err != nil {
		idx.rootLatch.RUnlock()
		return nil, err
	}
	if frame == nil {
		idx.rootLatch.RUnlock()
		return nil, fmt.Errorf("btree: buffer pool exhausted fetching root page")
	}
	frame.Latch.RLock()
	idx.rootLatch.RUnlock()

	view := newNodeView(frame.Data())
	for !view.isLeaf() {
		childID := view.internalChildAt(0)
		child, err := idx.bpm.FetchPage(childID)
		if err != nil {
			frame.Latch.RUnlock()
			idx.bpm.UnpinPage(frame.PageID(), false)
			return nil, err
		}
		if child == nil {
			frame.Latch.RUnlock()
			idx.bpm.UnpinPage(frame.PageID(), false)
			return nil, fmt.Errorf("btree: buffer pool exhausted descending to page %d", childID)
		}
		child.Latch.RLock()
		frame.Latch.RUnlock()
		idx.bpm.UnpinPage(frame.PageID(), false)
		frame = child
		view = newNodeView(frame.Data())
	}
	return frame, nil
}

// skipEmptyLeaves advances past the current leaf while its position has
// run off the end of the leaf's entries, following nextPageID links.
func (it *Iterator) skipEmptyLeaves() error {
	for it.frame != nil && it.pos >= newNodeView(it.frame.Data()).size() {
		nextID := newNodeView(it.frame.Data()).nextPageID()
		it.frame.Latch.RUnlock()
		it.idx.bpm.UnpinPage(it.frame.PageID(), false)
		it.frame = nil

		if nextID == page.InvalidPageID {
			return nil
		}
		next, err := it.idx.bpm.FetchPage(nextID)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("btree: buffer pool exhausted fetching leaf page %d", nextID)
		}
		next.Latch.RLock()
		it.frame = next
		it.pos = 0
	}
	return nil
}

// Valid reports whether the cursor is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.frame != nil && it.pos < newNodeView(it.frame.Data()).size()
}

// Key returns the key at the cursor. Valid must be true.
func (it *Iterator) Key() Key {
	return newNodeView(it.frame.Data()).leafKeyAt(it.pos)
}

// Value returns the record id at the cursor. Valid must be true.
func (it *Iterator) Value() txn.RowID {
	return newNodeView(it.frame.Data()).leafRIDAt(it.pos)
}

// Next advances the cursor by one entry, crossing into the next leaf if
// needed.
func (it *Iterator) Next() error {
	if it.frame == nil {
		return nil
	}
	it.pos++
	return it.skipEmptyLeaves()
}

// Close releases the currently pinned leaf, if any. Safe to call more
// than once, and safe to skip if the iterator was already drained by
// Next/skipEmptyLeaves.
func (it *Iterator) Close() {
	if it.frame == nil {
		return
	}
	it.frame.Latch.RUnlock()
	it.idx.bpm.UnpinPage(it.frame.PageID(), false)
	it.frame = nil
}
