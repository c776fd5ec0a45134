// Package btree implements a concurrent, disk-resident B+Tree index on
// top of the buffer pool: in-place page layouts for internal and leaf
// nodes, latch-crabbing descent with an optimistic fast path, and the
// split/redistribute/merge primitives that keep the tree balanced.
package btree

import (
	"encoding/binary"

	"storagecore/pkg/page"
	"storagecore/pkg/txn"
)

// Key is the ordered, unique key type the tree indexes on, matching the
// int64 identifiers used elsewhere in this module (page.ID, txn.ID).
type Key int64

const (
	pageTypeInternal byte = 1
	pageTypeLeaf     byte = 2

	// Common header: pageType(1) + pad(1) + size(2) + maxSize(2) + parentPageID(8).
	commonHeaderSize = 14
	// Leaf pages add a next-leaf sibling pointer.
	leafHeaderSize = commonHeaderSize + 8

	leafEntrySize     = 8 + 8 + 4 // key + RID.PageID + RID.Slot
	internalEntrySize = 8 + 8     // key + child page id
)

// nodeView decodes/encodes the fixed header and entry slots of one B+Tree
// page in place over a buffer-pool frame's raw bytes. No copy of the page
// is ever made; every accessor reads or writes directly through buf.
type nodeView struct {
	buf []byte
}

func newNodeView(buf []byte) nodeView { return nodeView{buf: buf} }

func (n nodeView) pageType() byte { return n.buf[0] }
func (n nodeView) setPageType(t byte) {
	n.buf[0] = t
}

func (n nodeView) isLeaf() bool { return n.pageType() == pageTypeLeaf }

func (n nodeView) size() int {
	return int(binary.BigEndian.Uint16(n.buf[2:4]))
}

func (n nodeView) setSize(s int) {
	binary.BigEndian.PutUint16(n.buf[2:4], uint16(s))
}

func (n nodeView) maxSize() int {
	return int(binary.BigEndian.Uint16(n.buf[4:6]))
}

func (n nodeView) setMaxSize(m int) {
	binary.BigEndian.PutUint16(n.buf[4:6], uint16(m))
}

func (n nodeView) parentPageID() page.ID {
	return page.ID(binary.BigEndian.Uint64(n.buf[6:14]))
}

func (n nodeView) setParentPageID(id page.ID) {
	binary.BigEndian.PutUint64(n.buf[6:14], uint64(id))
}

func (n nodeView) nextPageID() page.ID {
	return page.ID(binary.BigEndian.Uint64(n.buf[commonHeaderSize : commonHeaderSize+8]))
}

func (n nodeView) setNextPageID(id page.ID) {
	binary.BigEndian.PutUint64(n.buf[commonHeaderSize:commonHeaderSize+8], uint64(id))
}

func (n nodeView) headerSize() int {
	if n.isLeaf() {
		return leafHeaderSize
	}
	return commonHeaderSize
}

func (n nodeView) entrySize() int {
	if n.isLeaf() {
		return leafEntrySize
	}
	return internalEntrySize
}

func (n nodeView) entryOffset(i int) int {
	return n.headerSize() + i*n.entrySize()
}

// initLeaf resets buf into an empty leaf page.
func initLeaf(buf []byte, parent page.ID, maxSize int) nodeView {
	n := newNodeView(buf)
	n.setPageType(pageTypeLeaf)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setParentPageID(parent)
	n.setNextPageID(page.InvalidPageID)
	return n
}

// initInternal resets buf into an empty internal page.
func initInternal(buf []byte, parent page.ID, maxSize int) nodeView {
	n := newNodeView(buf)
	n.setPageType(pageTypeInternal)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setParentPageID(parent)
	return n
}

// --- Leaf entries: (key, RID) pairs, sorted ascending by key. ---

func (n nodeView) leafKeyAt(i int) Key {
	off := n.entryOffset(i)
	return Key(binary.BigEndian.Uint64(n.buf[off : off+8]))
}

func (n nodeView) leafRIDAt(i int) txn.RowID {
	off := n.entryOffset(i) + 8
	pid := page.ID(binary.BigEndian.Uint64(n.buf[off : off+8]))
	slot := int(binary.BigEndian.Uint32(n.buf[off+8 : off+12]))
	return txn.RowID{PageID: pid, Slot: slot}
}

func (n nodeView) setLeafEntry(i int, k Key, rid txn.RowID) {
	off := n.entryOffset(i)
	binary.BigEndian.PutUint64(n.buf[off:off+8], uint64(k))
	binary.BigEndian.PutUint64(n.buf[off+8:off+16], uint64(rid.PageID))
	binary.BigEndian.PutUint32(n.buf[off+16:off+20], uint32(rid.Slot))
}

// leafFind returns the index of the first entry with key >= k (binary
// search), and whether that entry's key equals k exactly.
func (n nodeView) leafFind(k Key) (int, bool) {
	lo, hi := 0, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.leafKeyAt(mid) < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n.size() && n.leafKeyAt(lo) == k
}

// leafInsertAt shifts entries [i, size) right by one slot and writes k/rid
// at i. Caller must have verified size() < capacity.
func (n nodeView) leafInsertAt(i int, k Key, rid txn.RowID) {
	sz := n.size()
	for j := sz; j > i; j-- {
		n.copyLeafEntry(j-1, j)
	}
	n.setLeafEntry(i, k, rid)
	n.setSize(sz + 1)
}

func (n nodeView) leafRemoveAt(i int) {
	sz := n.size()
	for j := i; j < sz-1; j++ {
		n.copyLeafEntry(j+1, j)
	}
	n.setSize(sz - 1)
}

func (n nodeView) copyLeafEntry(from, to int) {
	src := n.entryOffset(from)
	dst := n.entryOffset(to)
	copy(n.buf[dst:dst+leafEntrySize], n.buf[src:src+leafEntrySize])
}

// --- Internal entries: (key, childPageID) pairs. Slot 0's key is ignored. ---

func (n nodeView) internalKeyAt(i int) Key {
	off := n.entryOffset(i)
	return Key(binary.BigEndian.Uint64(n.buf[off : off+8]))
}

func (n nodeView) internalChildAt(i int) page.ID {
	off := n.entryOffset(i) + 8
	return page.ID(binary.BigEndian.Uint64(n.buf[off : off+8]))
}

func (n nodeView) setInternalEntry(i int, k Key, child page.ID) {
	off := n.entryOffset(i)
	binary.BigEndian.PutUint64(n.buf[off:off+8], uint64(k))
	binary.BigEndian.PutUint64(n.buf[off+8:off+16], uint64(child))
}

// internalChildIndex returns the index of the child pointer whose range
// contains k: the greatest i such that i==0 or key[i] <= k.
func (n nodeView) internalChildIndex(k Key) int {
	idx := 0
	for i := 1; i < n.size(); i++ {
		if n.internalKeyAt(i) <= k {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (n nodeView) internalInsertAt(i int, k Key, child page.ID) {
	sz := n.size()
	for j := sz; j > i; j-- {
		n.copyInternalEntry(j-1, j)
	}
	n.setInternalEntry(i, k, child)
	n.setSize(sz + 1)
}

func (n nodeView) internalRemoveAt(i int) {
	sz := n.size()
	for j := i; j < sz-1; j++ {
		n.copyInternalEntry(j+1, j)
	}
	n.setSize(sz - 1)
}

func (n nodeView) copyInternalEntry(from, to int) {
	src := n.entryOffset(from)
	dst := n.entryOffset(to)
	copy(n.buf[dst:dst+internalEntrySize], n.buf[src:src+internalEntrySize])
}

// minSize is the floor below which a non-root node must borrow from a
// sibling or merge: half capacity, rounded up for internal nodes so a
// merged pair never overflows its parent's slot budget.
func (n nodeView) minSize() int {
	if n.isLeaf() {
		return n.maxSize() / 2
	}
	return (n.maxSize() + 1) / 2
}
