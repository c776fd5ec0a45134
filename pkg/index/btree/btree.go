package btree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"storagecore/pkg/buffer"
	"storagecore/pkg/catalog"
	"storagecore/pkg/page"
	"storagecore/pkg/txn"
)

// Index is a concurrent B+Tree over a buffer pool, supporting unique keys
// through Insert, Remove, GetValue, and a forward leaf-chain iterator.
type Index struct {
	bpm *buffer.Manager

	leafMaxSize     int
	internalMaxSize int

	rootLatch sync.RWMutex
	rootMu    sync.Mutex // guards rootID itself, distinct from the descent latch
	rootID    page.ID

	cat  *catalog.RootCatalog
	name string

	log *zap.Logger
}

// New builds an empty index. leafMaxSize/internalMaxSize bound the number
// of entries a page holds before it must split.
func New(bpm *buffer.Manager, leafMaxSize, internalMaxSize int, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		bpm:             bpm,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootID:          page.InvalidPageID,
		log:             log,
	}
}

// NewPersistent builds an index whose root page id is durably recorded in
// cat under name. If a record for name already exists, the index picks up
// where the previous process left off.
func NewPersistent(bpm *buffer.Manager, cat *catalog.RootCatalog, name string, leafMaxSize, internalMaxSize int, log *zap.Logger) (*Index, error) {
	idx := New(bpm, leafMaxSize, internalMaxSize, log)
	idx.cat = cat
	idx.name = name

	root, ok, err := cat.GetRoot(name)
	if err != nil {
		return nil, fmt.Errorf("btree: failed to load root page id for %q: %w", name, err)
	}
	if ok {
		idx.rootID = root
	}
	return idx, nil
}

// IsEmpty reports whether the tree currently has no root page.
func (idx *Index) IsEmpty() bool {
	return idx.currentRootID() == page.InvalidPageID
}

// GetRootPageID returns the current root page id, InvalidPageID if the
// tree is empty.
func (idx *Index) GetRootPageID() page.ID {
	return idx.currentRootID()
}

func (idx *Index) currentRootID() page.ID {
	idx.rootMu.Lock()
	defer idx.rootMu.Unlock()
	return idx.rootID
}

// publishRoot installs id as the new root and records it in the catalog,
// if one is attached. Callers must hold the root-id write latch (or be
// the only goroutine that can see the tree, as in initial creation).
func (idx *Index) publishRoot(id page.ID) error {
	idx.rootMu.Lock()
	idx.rootID = id
	idx.rootMu.Unlock()

	if idx.cat == nil {
		return nil
	}
	if err := idx.cat.SetRoot(idx.name, id); err != nil {
		return fmt.Errorf("btree: failed to persist root page id for %q: %w", idx.name, err)
	}
	return nil
}

// GetValue returns the record id stored under key, if any.
func (idx *Index) GetValue(key Key) (txn.RowID, bool, error) {
	if idx.IsEmpty() {
		return txn.RowID{}, false, nil
	}

	cr, err := idx.descend(key, modeRead)
	if err != nil {
		return txn.RowID{}, false, err
	}
	defer cr.releaseAll(nil)

	leaf := cr.leafFrame()
	if leaf == nil {
		return txn.RowID{}, false, nil
	}
	view := newNodeView(leaf.Data())
	i, found := view.leafFind(key)
	if !found {
		return txn.RowID{}, false, nil
	}
	return view.leafRIDAt(i), true, nil
}

// Insert adds (key, rid). Returns false without mutation if key already
// exists. Tries the optimistic fast path first (write-latching only the
// leaf); falls back to a fully write-latched pessimistic descent if the
// leaf turns out to be too full to take the insert safely.
func (idx *Index) Insert(key Key, rid txn.RowID) (bool, error) {
	if created, err := idx.createInitialRoot(key, rid); created || err != nil {
		return created, err
	}

	cr, err := idx.descend(key, modeOptimisticInsert)
	if err != nil {
		return false, err
	}
	leaf := cr.leafFrame()
	view := newNodeView(leaf.Data())

	i, found := view.leafFind(key)
	if found {
		cr.releaseAll(nil)
		return false, nil
	}

	if isSafeForInsert(view) {
		view.leafInsertAt(i, key, rid)
		cr.releaseAll(map[page.ID]bool{leaf.PageID(): true})
		return true, nil
	}
	cr.releaseAll(nil)

	return idx.insertPessimistic(key, rid)
}

// createInitialRoot builds the tree's very first leaf page under the
// root-id write latch, if the tree is currently empty. The second
// emptiness check after acquiring the latch guards the race where another
// inserter created the root first.
func (idx *Index) createInitialRoot(key Key, rid txn.RowID) (bool, error) {
	if !idx.IsEmpty() {
		return false, nil
	}

	idx.rootLatch.Lock()
	defer idx.rootLatch.Unlock()

	if !idx.IsEmpty() {
		return false, nil
	}

	id, frame, err := idx.bpm.NewPage()
	if err != nil {
		return false, fmt.Errorf("btree: failed to allocate root page: %w", err)
	}
	if frame == nil {
		return false, fmt.Errorf("btree: buffer pool exhausted allocating root page")
	}
	view := initLeaf(frame.Data(), page.InvalidPageID, idx.leafMaxSize)
	view.leafInsertAt(0, key, rid)

	if err := idx.publishRoot(id); err != nil {
		idx.bpm.UnpinPage(id, true)
		return false, err
	}

	if _, err := idx.bpm.UnpinPage(id, true); err != nil {
		return false, err
	}
	idx.log.Debug("created root leaf", zap.Int64("page_id", int64(id)))
	return true, nil
}

func (idx *Index) insertPessimistic(key Key, rid txn.RowID) (bool, error) {
	cr, err := idx.descend(key, modePessimisticInsert)
	if err != nil {
		return false, err
	}
	leaf := cr.leafFrame()
	view := newNodeView(leaf.Data())

	if _, found := view.leafFind(key); found {
		cr.releaseAll(nil)
		return false, nil
	}

	if view.size() < view.maxSize()-1 {
		i, _ := view.leafFind(key)
		view.leafInsertAt(i, key, rid)
		cr.releaseAll(map[page.ID]bool{leaf.PageID(): true})
		return true, nil
	}

	if err := idx.splitLeafAndInsert(cr, leaf, view, key, rid); err != nil {
		return false, err
	}
	return true, nil
}

// splitLeafAndInsert handles insertion into a full leaf by gathering its
// entries plus the new one, splitting the combined set across the
// original page and a freshly allocated sibling, then propagating the
// sibling's first key into the parent. cr's latches are released by this
// call in every path.
func (idx *Index) splitLeafAndInsert(cr *crab, leaf *buffer.Frame, view nodeView, key Key, rid txn.RowID) error {
	type kv struct {
		k Key
		r txn.RowID
	}
	all := make([]kv, 0, view.size()+1)
	inserted := false
	for i := 0; i < view.size(); i++ {
		k := view.leafKeyAt(i)
		if !inserted && key < k {
			all = append(all, kv{key, rid})
			inserted = true
		}
		all = append(all, kv{k, view.leafRIDAt(i)})
	}
	if !inserted {
		all = append(all, kv{key, rid})
	}

	mid := len(all) / 2
	cr.markDirty(leaf.PageID())

	siblingID, siblingFrame, err := idx.bpm.NewPage()
	if err != nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: failed to allocate leaf sibling: %w", err)
	}
	if siblingFrame == nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: buffer pool exhausted splitting leaf")
	}

	siblingView := initLeaf(siblingFrame.Data(), view.parentPageID(), view.maxSize())
	for i, e := range all[mid:] {
		siblingView.leafInsertAt(i, e.k, e.r)
	}
	siblingView.setNextPageID(view.nextPageID())

	view.setSize(0)
	for i, e := range all[:mid] {
		view.leafInsertAt(i, e.k, e.r)
	}
	view.setNextPageID(siblingID)

	separator := siblingView.leafKeyAt(0)

	if _, err := idx.bpm.UnpinPage(siblingID, true); err != nil {
		cr.releaseAll(nil)
		return err
	}

	idx.log.Debug("split leaf",
		zap.Int64("page_id", int64(leaf.PageID())),
		zap.Int64("sibling_id", int64(siblingID)))

	return idx.insertIntoParent(cr, leaf, view.parentPageID(), separator, siblingID)
}

// insertIntoParent propagates a newly created right sibling's separator
// key into its parent, splitting the parent in turn (and, if the parent
// is the root, growing the tree's height) as needed. cr's latches are
// released by every return path of this call.
func (idx *Index) insertIntoParent(cr *crab, leftChild *buffer.Frame, parentID page.ID, separator Key, rightChildID page.ID) error {
	if parentID == page.InvalidPageID {
		return idx.createNewRoot(cr, leftChild, separator, rightChildID)
	}

	parentEntry, ok := cr.findAncestor(parentID)
	if !ok {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: parent page %d not held during split propagation", parentID)
	}
	parentView := newNodeView(parentEntry.Data())

	if parentView.size() < parentView.maxSize() {
		i := parentView.internalChildIndex(separator) + 1
		parentView.internalInsertAt(i, separator, rightChildID)
		cr.markDirty(parentEntry.PageID())
		if err := idx.reparent(cr, rightChildID, parentEntry.PageID()); err != nil {
			cr.releaseAll(nil)
			return err
		}
		cr.releaseAll(nil)
		return nil
	}

	return idx.splitInternalAndInsert(cr, leftChild, parentEntry, parentView, separator, rightChildID)
}

// splitInternalAndInsert handles internal-node overflow during split
// propagation: the node's entries plus the incoming one are laid out in a
// temporary slice one larger than capacity, the first half stays, the
// rest moves to a new sibling, and the middle key is promoted upward.
func (idx *Index) splitInternalAndInsert(cr *crab, leftChild, parent *buffer.Frame, parentView nodeView, key Key, newChildID page.ID) error {
	type kv struct {
		k     Key
		child page.ID
	}
	all := make([]kv, 0, parentView.size()+1)
	inserted := false
	for i := 0; i < parentView.size(); i++ {
		k := parentView.internalKeyAt(i)
		if i > 0 && !inserted && key < k {
			all = append(all, kv{key, newChildID})
			inserted = true
		}
		all = append(all, kv{k, parentView.internalChildAt(i)})
	}
	if !inserted {
		all = append(all, kv{key, newChildID})
	}

	mid := (len(all) + 1) / 2
	middleKey := all[mid].k
	cr.markDirty(parent.PageID())

	siblingID, siblingFrame, err := idx.bpm.NewPage()
	if err != nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: failed to allocate internal sibling: %w", err)
	}
	if siblingFrame == nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: buffer pool exhausted splitting internal node")
	}
	siblingView := initInternal(siblingFrame.Data(), parentView.parentPageID(), parentView.maxSize())
	for i, e := range all[mid:] {
		siblingView.internalInsertAt(i, e.k, e.child)
	}

	parentView.setSize(0)
	for i, e := range all[:mid] {
		parentView.internalInsertAt(i, e.k, e.child)
	}

	for i := 0; i < siblingView.size(); i++ {
		if err := idx.reparent(cr, siblingView.internalChildAt(i), siblingID); err != nil {
			cr.releaseAll(nil)
			return err
		}
	}

	if _, err := idx.bpm.UnpinPage(siblingID, true); err != nil {
		cr.releaseAll(nil)
		return err
	}

	idx.log.Debug("split internal node",
		zap.Int64("page_id", int64(parent.PageID())),
		zap.Int64("sibling_id", int64(siblingID)))

	return idx.insertIntoParent(cr, parent, parentView.parentPageID(), middleKey, siblingID)
}

// createNewRoot is reached when the page that just split had no parent:
// it was the root. A fresh internal root is allocated pointing at the two
// halves, and the root id is published under the (already write-held)
// root latch.
func (idx *Index) createNewRoot(cr *crab, leftChild *buffer.Frame, separator Key, rightChildID page.ID) error {
	cr.markDirty(leftChild.PageID())

	newRootID, newRootFrame, err := idx.bpm.NewPage()
	if err != nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: failed to allocate new root: %w", err)
	}
	if newRootFrame == nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: buffer pool exhausted allocating new root")
	}

	view := initInternal(newRootFrame.Data(), page.InvalidPageID, idx.internalMaxSize)
	view.internalInsertAt(0, 0, leftChild.PageID())
	view.internalInsertAt(1, separator, rightChildID)

	if err := idx.publishRoot(newRootID); err != nil {
		idx.bpm.UnpinPage(newRootID, true)
		cr.releaseAll(nil)
		return err
	}

	if err := idx.reparent(cr, leftChild.PageID(), newRootID); err != nil {
		cr.releaseAll(nil)
		return err
	}
	if err := idx.reparent(cr, rightChildID, newRootID); err != nil {
		cr.releaseAll(nil)
		return err
	}

	if _, err := idx.bpm.UnpinPage(newRootID, true); err != nil {
		cr.releaseAll(nil)
		return err
	}

	idx.log.Debug("tree height grew", zap.Int64("new_root_id", int64(newRootID)))
	cr.releaseAll(nil)
	return nil
}

// reparent updates id's parent pointer, writing through the crab's held
// latch when id is on the descent path (page latches are not reentrant)
// and fetching the page briefly otherwise.
func (idx *Index) reparent(cr *crab, id, parentID page.ID) error {
	if f, ok := cr.findAncestor(id); ok {
		newNodeView(f.Data()).setParentPageID(parentID)
		cr.markDirty(id)
		return nil
	}
	return idx.setChildParent(id, parentID)
}

// setChildParent fetches id solely to update its parent pointer, used
// after a split or merge reparents a page that is not on the caller's
// descent path: a short, independent fetch/modify/unpin.
func (idx *Index) setChildParent(id, parentID page.ID) error {
	f, err := idx.bpm.FetchPage(id)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("btree: buffer pool exhausted reparenting page %d", id)
	}
	f.Latch.Lock()
	newNodeView(f.Data()).setParentPageID(parentID)
	f.Latch.Unlock()
	_, err = idx.bpm.UnpinPage(id, true)
	return err
}

// Remove deletes key's entry, if present. Mirrors Insert's two-phase
// optimistic/pessimistic strategy.
func (idx *Index) Remove(key Key) (bool, error) {
	if idx.IsEmpty() {
		return false, nil
	}

	cr, err := idx.descend(key, modeOptimisticDelete)
	if err != nil {
		return false, err
	}
	leaf := cr.leafFrame()
	view := newNodeView(leaf.Data())

	i, found := view.leafFind(key)
	if !found {
		cr.releaseAll(nil)
		return false, nil
	}

	isRoot := view.parentPageID() == page.InvalidPageID
	if view.size() > view.minSize() || (isRoot && view.size() > 1) {
		view.leafRemoveAt(i)
		cr.releaseAll(map[page.ID]bool{leaf.PageID(): true})
		return true, nil
	}
	// Removal would underflow (or empty a root leaf), and the optimistic
	// path never held ancestors, so it cannot rebalance. Retry
	// pessimistically.
	cr.releaseAll(nil)

	return idx.removePessimistic(key)
}

func (idx *Index) removePessimistic(key Key) (bool, error) {
	cr, err := idx.descend(key, modePessimisticDelete)
	if err != nil {
		return false, err
	}
	leaf := cr.leafFrame()
	view := newNodeView(leaf.Data())

	i, found := view.leafFind(key)
	if !found {
		cr.releaseAll(nil)
		return false, nil
	}
	view.leafRemoveAt(i)
	cr.markDirty(leaf.PageID())

	if view.size() >= view.minSize() && view.parentPageID() != page.InvalidPageID {
		cr.releaseAll(nil)
		return true, nil
	}
	return true, idx.handleUnderflow(cr, leaf, view)
}

// handleUnderflow rebalances a node that fell below minSize after a
// deletion. A node with a right sibling redistributes from it if it has
// spare entries and otherwise merges with it; the left sibling is not
// consulted in that case, even if it has spare entries. Only a node with
// no right sibling redistributes from, or merges with, its left sibling.
// Root underflow shrinks the tree's height instead. Sibling latches are taken while the
// parent's write latch is still held, never before it. cr's latches are
// released by every return path.
func (idx *Index) handleUnderflow(cr *crab, node *buffer.Frame, view nodeView) error {
	if view.parentPageID() == page.InvalidPageID {
		return idx.handleRootUnderflow(cr, node, view)
	}

	parentEntry, ok := cr.findAncestor(view.parentPageID())
	if !ok {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: parent page %d not held during underflow handling", view.parentPageID())
	}
	parentView := newNodeView(parentEntry.Data())

	childIdx := -1
	for i := 0; i < parentView.size(); i++ {
		if parentView.internalChildAt(i) == node.PageID() {
			childIdx = i
			break
		}
	}
	if childIdx == -1 {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: page %d not found in parent %d", node.PageID(), parentEntry.PageID())
	}

	if childIdx < parentView.size()-1 {
		rightID := parentView.internalChildAt(childIdx + 1)
		right, err := idx.bpm.FetchPage(rightID)
		if err != nil {
			cr.releaseAll(nil)
			return err
		}
		if right == nil {
			cr.releaseAll(nil)
			return fmt.Errorf("btree: buffer pool exhausted fetching sibling %d", rightID)
		}
		right.Latch.Lock()
		rightView := newNodeView(right.Data())
		if rightView.size() > rightView.minSize() {
			err := idx.redistributeFromRight(node, view, rightView, parentView, childIdx)
			cr.markDirty(node.PageID())
			cr.markDirty(parentEntry.PageID())
			right.Latch.Unlock()
			idx.bpm.UnpinPage(rightID, true)
			cr.releaseAll(nil)
			return err
		}
		return idx.mergeRight(cr, node, view, right, rightView, parentEntry, parentView, childIdx)
	}

	leftID := parentView.internalChildAt(childIdx - 1)
	left, err := idx.bpm.FetchPage(leftID)
	if err != nil {
		cr.releaseAll(nil)
		return err
	}
	if left == nil {
		cr.releaseAll(nil)
		return fmt.Errorf("btree: buffer pool exhausted fetching sibling %d", leftID)
	}
	left.Latch.Lock()
	leftView := newNodeView(left.Data())
	if leftView.size() > leftView.minSize() {
		err := idx.redistributeFromLeft(leftView, node, view, parentView, childIdx)
		cr.markDirty(node.PageID())
		cr.markDirty(parentEntry.PageID())
		left.Latch.Unlock()
		idx.bpm.UnpinPage(leftID, true)
		cr.releaseAll(nil)
		return err
	}
	return idx.mergeLeft(cr, left, leftView, node, view, parentEntry, parentView, childIdx)
}

// handleRootUnderflow applies the two root special cases: an internal
// root left with a single child hands the root role to that child
// (height shrinks), and an empty root leaf leaves the tree empty.
func (idx *Index) handleRootUnderflow(cr *crab, node *buffer.Frame, view nodeView) error {
	if view.isLeaf() {
		if view.size() > 0 {
			cr.releaseAll(nil)
			return nil
		}

		if err := idx.publishRoot(page.InvalidPageID); err != nil {
			cr.releaseAll(nil)
			return err
		}
		nodeID := node.PageID()
		node.Latch.Unlock()
		cr.drop(nodeID)
		if _, err := idx.bpm.UnpinPage(nodeID, false); err != nil {
			cr.releaseAll(nil)
			return err
		}
		if _, err := idx.bpm.DeletePage(nodeID); err != nil {
			cr.releaseAll(nil)
			return err
		}
		idx.log.Debug("tree emptied", zap.Int64("old_root_id", int64(nodeID)))
		cr.releaseAll(nil)
		return nil
	}

	if view.size() > 1 {
		cr.releaseAll(nil)
		return nil
	}

	onlyChild := view.internalChildAt(0)
	if err := idx.publishRoot(onlyChild); err != nil {
		cr.releaseAll(nil)
		return err
	}
	if err := idx.reparent(cr, onlyChild, page.InvalidPageID); err != nil {
		cr.releaseAll(nil)
		return err
	}

	nodeID := node.PageID()
	node.Latch.Unlock()
	cr.drop(nodeID)
	if _, err := idx.bpm.UnpinPage(nodeID, false); err != nil {
		cr.releaseAll(nil)
		return err
	}
	if _, err := idx.bpm.DeletePage(nodeID); err != nil {
		cr.releaseAll(nil)
		return err
	}
	idx.log.Debug("tree height shrank", zap.Int64("new_root_id", int64(onlyChild)))
	cr.releaseAll(nil)
	return nil
}

// redistributeFromRight moves the right sibling's first entry into node
// and refreshes the separator in the parent. On internal nodes the
// separator rotates through the parent and the moved child is reparented.
func (idx *Index) redistributeFromRight(node *buffer.Frame, view, rightView, parentView nodeView, childIdx int) error {
	if view.isLeaf() {
		movedKey := rightView.leafKeyAt(0)
		movedRID := rightView.leafRIDAt(0)
		rightView.leafRemoveAt(0)
		view.leafInsertAt(view.size(), movedKey, movedRID)
		parentView.setInternalEntry(childIdx+1, rightView.leafKeyAt(0), parentView.internalChildAt(childIdx+1))
		return nil
	}

	movedKey := parentView.internalKeyAt(childIdx + 1)
	movedChild := rightView.internalChildAt(0)
	newSeparator := rightView.internalKeyAt(1)
	rightView.internalRemoveAt(0)
	view.internalInsertAt(view.size(), movedKey, movedChild)
	parentView.setInternalEntry(childIdx+1, newSeparator, parentView.internalChildAt(childIdx+1))
	return idx.setChildParent(movedChild, node.PageID())
}

// redistributeFromLeft moves the left sibling's last entry into node,
// rotating the separating key through the parent.
func (idx *Index) redistributeFromLeft(leftView nodeView, node *buffer.Frame, view, parentView nodeView, childIdx int) error {
	if view.isLeaf() {
		lastIdx := leftView.size() - 1
		movedKey := leftView.leafKeyAt(lastIdx)
		movedRID := leftView.leafRIDAt(lastIdx)
		leftView.leafRemoveAt(lastIdx)
		view.leafInsertAt(0, movedKey, movedRID)
		parentView.setInternalEntry(childIdx, view.leafKeyAt(0), parentView.internalChildAt(childIdx))
		return nil
	}

	lastIdx := leftView.size() - 1
	movedChild := leftView.internalChildAt(lastIdx)
	rotated := leftView.internalKeyAt(lastIdx)
	movedSeparator := parentView.internalKeyAt(childIdx)
	leftView.internalRemoveAt(lastIdx)
	view.internalInsertAt(0, 0, movedChild)
	view.setInternalEntry(1, movedSeparator, view.internalChildAt(1))
	parentView.setInternalEntry(childIdx, rotated, parentView.internalChildAt(childIdx))
	return idx.setChildParent(movedChild, node.PageID())
}

// mergeRight concatenates right's entries onto node (node keeps its page
// id; right is freed), removes the separating key from the parent, then
// recurses the underflow check upward: the parent just lost one child
// pointer.
func (idx *Index) mergeRight(cr *crab, node *buffer.Frame, view nodeView, right *buffer.Frame, rightView nodeView, parent *buffer.Frame, parentView nodeView, childIdx int) error {
	if view.isLeaf() {
		for i := 0; i < rightView.size(); i++ {
			view.leafInsertAt(view.size(), rightView.leafKeyAt(i), rightView.leafRIDAt(i))
		}
		view.setNextPageID(rightView.nextPageID())
	} else {
		sep := parentView.internalKeyAt(childIdx + 1)
		for i := 0; i < rightView.size(); i++ {
			k := rightView.internalKeyAt(i)
			if i == 0 {
				k = sep
			}
			child := rightView.internalChildAt(i)
			view.internalInsertAt(view.size(), k, child)
			if err := idx.reparent(cr, child, node.PageID()); err != nil {
				right.Latch.Unlock()
				idx.bpm.UnpinPage(right.PageID(), false)
				cr.releaseAll(nil)
				return err
			}
		}
	}
	parentView.internalRemoveAt(childIdx + 1)
	cr.markDirty(node.PageID())
	cr.markDirty(parent.PageID())

	rightID := right.PageID()
	right.Latch.Unlock()
	if _, err := idx.bpm.UnpinPage(rightID, false); err != nil {
		cr.releaseAll(nil)
		return err
	}
	if _, err := idx.bpm.DeletePage(rightID); err != nil {
		cr.releaseAll(nil)
		return err
	}

	idx.log.Debug("merged right sibling",
		zap.Int64("page_id", int64(node.PageID())),
		zap.Int64("freed_id", int64(rightID)))

	if parentView.parentPageID() != page.InvalidPageID && parentView.size() >= parentView.minSize() {
		cr.releaseAll(nil)
		return nil
	}
	return idx.handleUnderflow(cr, parent, parentView)
}

// mergeLeft concatenates node's entries onto its left sibling; node is
// the page that gets freed.
func (idx *Index) mergeLeft(cr *crab, left *buffer.Frame, leftView nodeView, node *buffer.Frame, view nodeView, parent *buffer.Frame, parentView nodeView, childIdx int) error {
	if view.isLeaf() {
		for i := 0; i < view.size(); i++ {
			leftView.leafInsertAt(leftView.size(), view.leafKeyAt(i), view.leafRIDAt(i))
		}
		leftView.setNextPageID(view.nextPageID())
	} else {
		sep := parentView.internalKeyAt(childIdx)
		for i := 0; i < view.size(); i++ {
			k := view.internalKeyAt(i)
			if i == 0 {
				k = sep
			}
			child := view.internalChildAt(i)
			leftView.internalInsertAt(leftView.size(), k, child)
			if err := idx.reparent(cr, child, left.PageID()); err != nil {
				left.Latch.Unlock()
				idx.bpm.UnpinPage(left.PageID(), false)
				cr.releaseAll(nil)
				return err
			}
		}
	}
	parentView.internalRemoveAt(childIdx)
	cr.markDirty(parent.PageID())

	leftID := left.PageID()
	left.Latch.Unlock()
	if _, err := idx.bpm.UnpinPage(leftID, true); err != nil {
		cr.releaseAll(nil)
		return err
	}

	nodeID := node.PageID()
	node.Latch.Unlock()
	cr.drop(nodeID)
	if _, err := idx.bpm.UnpinPage(nodeID, false); err != nil {
		cr.releaseAll(nil)
		return err
	}
	if _, err := idx.bpm.DeletePage(nodeID); err != nil {
		cr.releaseAll(nil)
		return err
	}

	idx.log.Debug("merged into left sibling",
		zap.Int64("page_id", int64(leftID)),
		zap.Int64("freed_id", int64(nodeID)))

	if parentView.parentPageID() != page.InvalidPageID && parentView.size() >= parentView.minSize() {
		cr.releaseAll(nil)
		return nil
	}
	return idx.handleUnderflow(cr, parent, parentView)
}

// descend walks from the root to the leaf that should contain key,
// latching and pinning each page according to mode and crab-releasing
// ancestors as soon as a descendant is known safe. The returned crab
// holds every latch/pin the caller must eventually release via
// releaseAll.
func (idx *Index) descend(key Key, mode latchMode) (*crab, error) {
	cr := newCrab(idx)
	cr.lockRoot(mode.rootWrite())

	rootID := idx.currentRootID()
	if rootID == page.InvalidPageID {
		return cr, nil
	}

	frame, err := idx.bpm.FetchPage(rootID)
	if err != nil {
		cr.releaseAll(nil)
		return nil, err
	}
	if frame == nil {
		cr.releaseAll(nil)
		return nil, fmt.Errorf("btree: buffer pool exhausted fetching root page")
	}

	write := mode.writeForNode(isLeafFrame(frame))
	cr.pushFrame(frame, write)
	view := newNodeView(frame.Data())
	if mode.safe(view, true) {
		cr.releaseAncestors()
	}

	for !view.isLeaf() {
		childID := view.internalChildAt(view.internalChildIndex(key))
		childFrame, err := idx.bpm.FetchPage(childID)
		if err != nil {
			cr.releaseAll(nil)
			return nil, err
		}
		if childFrame == nil {
			cr.releaseAll(nil)
			return nil, fmt.Errorf("btree: buffer pool exhausted descending to page %d", childID)
		}

		childWrite := mode.writeForNode(isLeafFrame(childFrame))
		cr.pushFrame(childFrame, childWrite)
		view = newNodeView(childFrame.Data())
		if mode.safe(view, false) {
			cr.releaseAncestors()
		}
	}

	return cr, nil
}

func isLeafFrame(f *buffer.Frame) bool {
	return f.Data()[0] == pageTypeLeaf
}

func (idx *Index) String() string {
	return fmt.Sprintf("btree.Index{root=%d}", idx.currentRootID())
}
