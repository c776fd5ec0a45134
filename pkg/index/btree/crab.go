package btree

import (
	"storagecore/pkg/buffer"
	"storagecore/pkg/page"
)

// latchMode selects both which latch each node in a descent receives and
// the safety predicate used to decide when ancestor latches can be
// released early.
type latchMode int

const (
	modeRead latchMode = iota
	modeOptimisticInsert
	modeOptimisticDelete
	modePessimisticInsert
	modePessimisticDelete
)

func (m latchMode) rootWrite() bool {
	return m == modePessimisticInsert || m == modePessimisticDelete
}

// writeForNode reports whether the node at this step of the descent
// should be write-latched (true) or read-latched (false).
func (m latchMode) writeForNode(isLeaf bool) bool {
	switch m {
	case modeRead:
		return false
	case modeOptimisticInsert, modeOptimisticDelete:
		return isLeaf
	case modePessimisticInsert, modePessimisticDelete:
		return true
	default:
		return false
	}
}

// safe reports whether, having just latched this node, every latch held
// on its ancestors can be released: the node is guaranteed not to need a
// structural change that would propagate upward. Read and optimistic
// descents never modify an ancestor, so every node is safe and each
// parent is released as soon as its child is latched.
// Pessimistic descents release ancestors only when this node can absorb
// the pending insert (no split can propagate) or give up an entry (no
// merge can propagate).
func (m latchMode) safe(view nodeView, isRoot bool) bool {
	switch m {
	case modeRead, modeOptimisticInsert, modeOptimisticDelete:
		return true
	case modePessimisticInsert:
		return isSafeForInsert(view)
	case modePessimisticDelete:
		if isRoot {
			if view.isLeaf() {
				return view.size() > 1
			}
			return view.size() > 2
		}
		return view.size() > view.minSize()
	default:
		return true
	}
}

// isSafeForInsert reports whether a leaf has room to accept one more entry
// without requiring a split: the threshold the optimistic path uses to
// decide whether its single write-latched leaf is enough before falling
// back to a pessimistic descent.
func isSafeForInsert(view nodeView) bool {
	if view.isLeaf() {
		return view.size() < view.maxSize()-1
	}
	return view.size() < view.maxSize()
}

// crabEntry is one latch held during a descent. frame==nil is the
// sentinel for the root-id latch, so release logic handles it uniformly
// with page latches.
type crabEntry struct {
	frame *buffer.Frame
	write bool
}

// crab tracks the ordered set of latches/pins acquired during one tree
// operation so they can be crab-released (ancestors first) as soon as a
// descendant is known safe, or all released together when the operation
// completes.
type crab struct {
	idx     *Index
	entries []crabEntry
	dirty   map[page.ID]bool
}

func newCrab(idx *Index) *crab {
	return &crab{idx: idx, dirty: make(map[page.ID]bool)}
}

// markDirty records that pageID was modified under this crab's latches,
// so releaseAll unpins it dirty even when the release happens several
// propagation levels above the modification.
func (c *crab) markDirty(pageID page.ID) {
	c.dirty[pageID] = true
}

func (c *crab) lockRoot(write bool) {
	if write {
		c.idx.rootLatch.Lock()
	} else {
		c.idx.rootLatch.RLock()
	}
	c.entries = append(c.entries, crabEntry{frame: nil, write: write})
}

func (c *crab) pushFrame(f *buffer.Frame, write bool) {
	if write {
		f.Latch.Lock()
	} else {
		f.Latch.RLock()
	}
	c.entries = append(c.entries, crabEntry{frame: f, write: write})
}

// leafFrame returns the most recently pushed frame, the leaf at the end
// of a completed descent.
func (c *crab) leafFrame() *buffer.Frame {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1].frame
}

// findAncestor returns the frame for pageID among the latches still held,
// used when a split or merge needs to mutate a parent the descent already
// crabbed through.
func (c *crab) findAncestor(pageID page.ID) (*buffer.Frame, bool) {
	for _, e := range c.entries {
		if e.frame != nil && e.frame.PageID() == pageID {
			return e.frame, true
		}
	}
	return nil, false
}

// drop removes pageID's entry from the held set without releasing it, for
// frames the caller has already unlatched and unpinned by hand (a page
// about to be deleted, or one handed off to an iterator).
func (c *crab) drop(pageID page.ID) {
	for i, e := range c.entries {
		if e.frame != nil && e.frame.PageID() == pageID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// releaseAncestors drops every held latch except the most recent entry,
// used mid-descent once the most recently fetched node is known safe.
func (c *crab) releaseAncestors() {
	if len(c.entries) <= 1 {
		return
	}
	keep := c.entries[len(c.entries)-1]
	for _, e := range c.entries[:len(c.entries)-1] {
		c.releaseOne(e, false)
	}
	c.entries = []crabEntry{keep}
}

// releaseAll drops every held latch/pin. dirty (which may be nil) is
// merged with the pages recorded via markDirty; pages in neither set are
// unpinned clean.
func (c *crab) releaseAll(dirty map[page.ID]bool) {
	for id := range dirty {
		c.dirty[id] = true
	}
	for _, e := range c.entries {
		isDirty := e.frame != nil && c.dirty[e.frame.PageID()]
		c.releaseOne(e, isDirty)
	}
	c.entries = nil
}

func (c *crab) releaseOne(e crabEntry, isDirty bool) {
	if e.frame == nil {
		if e.write {
			c.idx.rootLatch.Unlock()
		} else {
			c.idx.rootLatch.RUnlock()
		}
		return
	}
	if e.write {
		e.frame.Latch.Unlock()
	} else {
		e.frame.Latch.RUnlock()
	}
	c.idx.bpm.UnpinPage(e.frame.PageID(), isDirty)
}
