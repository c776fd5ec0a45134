package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"storagecore/pkg/page"
)

// entry holds one tracked frame's access history. Frames with fewer than
// k accesses live in the replacer's "young" list (classical LRU, ordered
// by first access); frames with k or more live in the "history-ordered"
// list, ordered by the timestamp of their k-th most recent access
// (largest backward-k-distance first).
type entry struct {
	frame     page.FrameID
	evictable bool
	history   []int64 // most recent access first, capped at k entries
}

// lruKReplacer implements LRU-K eviction with two lists: a "young" list
// for frames with fewer than k accesses (infinite backward-k-distance)
// and a "history" list for the rest, kept sorted by k-distance.
type lruKReplacer struct {
	mu sync.Mutex

	k             int
	numFrames     int
	currentTime   int64
	evictableSize int

	entries map[page.FrameID]*entry

	young   *list.List // of *entry, ordered oldest-first-access to newest
	history *list.List // of *entry, ordered largest-k-distance to smallest
}

// newLRUKReplacer constructs a replacer tracking up to numFrames frames
// with backward-k-distance computed over the last k accesses.
func newLRUKReplacer(numFrames, k int) *lruKReplacer {
	return &lruKReplacer{
		k:         k,
		numFrames: numFrames,
		entries:   make(map[page.FrameID]*entry, numFrames),
		young:     list.New(),
		history:   list.New(),
	}
}

// RecordAccess appends the current logical timestamp to frame's history
// and advances the global clock. A never-before-seen frame starts
// non-evictable; the caller must call SetEvictable explicitly.
func (r *lruKReplacer) RecordAccess(frame page.FrameID) error {
	if frame < 0 || int(frame) >= r.numFrames {
		return fmt.Errorf("buffer: frame id %d out of range [0, %d)", frame, r.numFrames)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTime++
	e, ok := r.entries[frame]
	if !ok {
		e = &entry{frame: frame}
		r.entries[frame] = e
		e.history = append(e.history, r.currentTime)
		r.young.PushBack(e)
		return nil
	}

	r.removeFromLists(e)
	e.history = append([]int64{r.currentTime}, e.history...)
	if len(e.history) > r.k {
		e.history = e.history[:r.k]
	}
	r.reinsert(e)
	return nil
}

// removeFromLists detaches e from whichever of young/history currently
// holds it. Safe to call even if e is in neither.
func (r *lruKReplacer) removeFromLists(e *entry) {
	for l := r.young.Front(); l != nil; l = l.Next() {
		if l.Value.(*entry) == e {
			r.young.Remove(l)
			return
		}
	}
	for l := r.history.Front(); l != nil; l = l.Next() {
		if l.Value.(*entry) == e {
			r.history.Remove(l)
			return
		}
	}
}

// reinsert places e back into the correct list at the correct position
// given its (possibly just-changed) access count.
func (r *lruKReplacer) reinsert(e *entry) {
	if len(e.history) < r.k {
		// The young list stays ordered by first access, not by recency: a
		// re-accessed frame with fewer than k accesses keeps its place in
		// the infinite-distance class.
		first := e.history[len(e.history)-1]
		for l := r.young.Front(); l != nil; l = l.Next() {
			other := l.Value.(*entry)
			if first < other.history[len(other.history)-1] {
				r.young.InsertBefore(e, l)
				return
			}
		}
		r.young.PushBack(e)
		return
	}

	kthMostRecent := e.history[len(e.history)-1]
	for l := r.history.Front(); l != nil; l = l.Next() {
		other := l.Value.(*entry)
		otherKth := other.history[len(other.history)-1]
		if kthMostRecent < otherKth {
			r.history.InsertBefore(e, l)
			return
		}
	}
	r.history.PushBack(e)
}

// SetEvictable flips the evictable flag and adjusts Size(). A no-op for
// frames that aren't tracked.
func (r *lruKReplacer) SetEvictable(frame page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[frame]
	if !ok {
		return
	}
	if e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.evictableSize++
	} else {
		r.evictableSize--
	}
}

// Evict selects a victim: prefer the oldest frame in the "infinite
// distance" (< k accesses) class; otherwise the frame with the smallest
// k-th-most-recent-access timestamp (largest k-distance).
func (r *lruKReplacer) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for l := r.young.Front(); l != nil; l = l.Next() {
		e := l.Value.(*entry)
		if e.evictable {
			r.young.Remove(l)
			delete(r.entries, e.frame)
			r.evictableSize--
			return e.frame, true
		}
	}

	for l := r.history.Front(); l != nil; l = l.Next() {
		e := l.Value.(*entry)
		if e.evictable {
			r.history.Remove(l)
			delete(r.entries, e.frame)
			r.evictableSize--
			return e.frame, true
		}
	}

	return 0, false
}

// Remove forcibly drops a tracked frame's history. It is an error to
// remove a frame that is tracked but not evictable; removing an
// untracked frame is a no-op.
func (r *lruKReplacer) Remove(frame page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[frame]
	if !ok {
		return nil
	}
	if !e.evictable {
		return fmt.Errorf("buffer: cannot remove pinned frame %d from replacer", frame)
	}

	r.removeFromLists(e)
	delete(r.entries, frame)
	r.evictableSize--
	return nil
}

// Size returns the number of currently evictable tracked frames.
func (r *lruKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableSize
}
