// Package lock implements a two-phase, multi-granularity lock table:
// per-resource FIFO request queues, S/X/IS/IX/SIX compatibility,
// in-place upgrades, and background deadlock detection over a wait-for
// graph.
package lock

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storagecore/pkg/txn"
)

// resourceID is the map key shared by table and row queues: a table-only
// request carries a zero RowID and rowLock=false.
type resourceID struct {
	oid     txn.TableOID
	rid     txn.RowID
	rowLock bool
}

// Manager is the lock table. One instance is shared by every transaction
// in the system.
type Manager struct {
	mapMutex sync.Mutex
	queues   map[resourceID]*requestQueue

	graph *graph

	enableCycleDetection bool
	detectionInterval    time.Duration
	stopCh               chan struct{}
	wg                   sync.WaitGroup

	metrics *Metrics
	log     *zap.Logger
}

// NewManager builds an empty lock table. detectionInterval is how often
// the background deadlock detector runs once RunCycleDetection is
// called; metrics/log may be nil.
func NewManager(detectionInterval time.Duration, metrics *Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		queues:            make(map[resourceID]*requestQueue),
		graph:             newGraph(),
		detectionInterval: detectionInterval,
		stopCh:            make(chan struct{}),
		metrics:           metrics,
		log:               log,
	}
}

func tableResource(oid txn.TableOID) resourceID {
	return resourceID{oid: oid}
}

func rowResource(oid txn.TableOID, rid txn.RowID) resourceID {
	return resourceID{oid: oid, rid: rid, rowLock: true}
}

func (m *Manager) queueFor(res resourceID) *requestQueue {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	q, ok := m.queues[res]
	if !ok {
		q = newRequestQueue()
		m.queues[res] = q
	}
	return q
}

// LockTable acquires mode on oid for t, blocking until granted or
// aborting t if the request violates its isolation level or two-phase
// state.
func (m *Manager) LockTable(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) error {
	return m.acquire(t, mode, tableResource(oid))
}

// LockRow acquires S or X on rid (within table oid) for t. Intention
// modes are not valid row locks; the caller must already hold an
// appropriate table lock.
func (m *Manager) LockRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid txn.RowID) error {
	if mode != txn.Shared && mode != txn.Exclusive {
		return abort(t, AttemptedIntentionLockOnRow)
	}
	if err := m.checkTableLockForRow(t, mode, oid); err != nil {
		return err
	}
	return m.acquire(t, mode, rowResource(oid, rid))
}

func (m *Manager) checkTableLockForRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) error {
	held, ok := t.TableLockMode(oid)
	if !ok {
		return abort(t, TableLockNotPresent)
	}
	if mode == txn.Exclusive {
		switch held {
		case txn.Exclusive, txn.IntentionExclusive, txn.SharedIntentionExclusive:
			return nil
		default:
			return abort(t, TableLockNotPresent)
		}
	}
	// Any table lock mode licenses an S row lock.
	return nil
}

func (m *Manager) acquire(t *txn.Transaction, mode txn.LockMode, res resourceID) error {
	if err := m.validateRequest(t, mode, res.rowLock); err != nil {
		return err
	}

	q := m.queueFor(res)
	q.mu.Lock()

	if existing, _ := q.findGranted(t.ID()); existing != nil {
		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}
		if err := m.beginUpgrade(t, q, existing, mode, res); err != nil {
			q.mu.Unlock()
			return err
		}
	} else {
		q.requests = append(q.requests, &request{txnID: t.ID(), txn: t, mode: mode})
	}

	m.applyNewGrants(q, res)

	for {
		r, _ := q.findAny(t.ID())
		if r != nil && r.granted {
			q.mu.Unlock()
			return nil
		}
		if t.State() == txn.Aborted {
			m.removeRequest(q, t.ID())
			q.cond.Broadcast()
			q.mu.Unlock()
			return abort(t, Deadlock)
		}
		q.cond.Wait()
	}
}

// applyNewGrants records every request recomputeGrants just promoted to
// granted in its transaction's lock set. recomputeGrants can grant more
// than the caller's own request — releasing a lock can cascade through
// several queued waiters in one FIFO pass. Called with the queue mutex
// held.
func (m *Manager) applyNewGrants(q *requestQueue, res resourceID) {
	for _, id := range q.recomputeGrants() {
		r, _ := q.findGranted(id)
		if r == nil {
			continue
		}
		if res.rowLock {
			r.txn.GrantRowLock(res.oid, res.rid, r.mode)
		} else {
			r.txn.GrantTableLock(res.oid, r.mode)
		}
		m.metrics.recordGrant()
	}
}

// beginUpgrade validates and installs an in-place upgrade: same-mode is
// a no-op (handled by the caller), a second concurrent upgrade on the
// queue is UPGRADE_CONFLICT, an illegal transition is
// INCOMPATIBLE_UPGRADE. On success the old held request is replaced by a
// new one inserted ahead of other waiters.
func (m *Manager) beginUpgrade(t *txn.Transaction, q *requestQueue, existing *request, mode txn.LockMode, res resourceID) error {
	if q.upgrading != 0 && q.upgrading != t.ID() {
		return abort(t, UpgradeConflict)
	}
	if !isLegalUpgrade(existing.mode, mode) {
		return abort(t, IncompatibleUpgrade)
	}

	_, idx := q.findAny(t.ID())
	q.removeAt(idx)
	if res.rowLock {
		t.RevokeRowLock(res.oid, res.rid)
	} else {
		t.RevokeTableLock(res.oid)
	}

	insertAt := 0
	for i, r := range q.requests {
		if r.granted {
			insertAt = i + 1
			continue
		}
		break
	}
	newReq := &request{txnID: t.ID(), txn: t, mode: mode}
	q.requests = append(q.requests, nil)
	copy(q.requests[insertAt+1:], q.requests[insertAt:])
	q.requests[insertAt] = newReq
	q.upgrading = t.ID()
	m.metrics.recordUpgrade()
	return nil
}

// UnlockTable releases t's lock on oid.
func (m *Manager) UnlockTable(t *txn.Transaction, oid txn.TableOID) error {
	if t.HasRowLockOnTable(oid) {
		return abort(t, TableUnlockedBeforeUnlockingRows)
	}
	return m.release(t, tableResource(oid), func() (txn.LockMode, bool) {
		return t.RevokeTableLock(oid)
	})
}

// UnlockRow releases t's lock on rid within table oid.
func (m *Manager) UnlockRow(t *txn.Transaction, oid txn.TableOID, rid txn.RowID) error {
	return m.release(t, rowResource(oid, rid), func() (txn.LockMode, bool) {
		return t.RevokeRowLock(oid, rid)
	})
}

func (m *Manager) release(t *txn.Transaction, res resourceID, revoke func() (txn.LockMode, bool)) error {
	q := m.queueFor(res)
	q.mu.Lock()

	r, idx := q.findGranted(t.ID())
	if r == nil {
		q.mu.Unlock()
		return abort(t, AttemptedUnlockButNoLockHeld)
	}
	q.removeAt(idx)
	mode, _ := revoke()
	m.transitionOnUnlock(t, mode)

	m.applyNewGrants(q, res)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// transitionOnUnlock moves t into its shrinking phase when the released
// mode demands it at t's isolation level: releasing X always shrinks;
// releasing S shrinks only under repeatable read.
func (m *Manager) transitionOnUnlock(t *txn.Transaction, mode txn.LockMode) {
	if mode != txn.Shared && mode != txn.Exclusive {
		return
	}
	if t.State() != txn.Growing {
		return
	}

	switch t.IsolationLevel() {
	case txn.RepeatableRead:
		t.SetState(txn.Shrinking)
	case txn.ReadCommitted:
		if mode == txn.Exclusive {
			t.SetState(txn.Shrinking)
		}
	case txn.ReadUncommitted:
		if mode == txn.Exclusive {
			t.SetState(txn.Shrinking)
		}
	}
}

// validateRequest enforces the isolation-level admission rules before
// the request ever reaches a queue.
func (m *Manager) validateRequest(t *txn.Transaction, mode txn.LockMode, rowLock bool) error {
	if rowLock && (mode == txn.IntentionShared || mode == txn.IntentionExclusive || mode == txn.SharedIntentionExclusive) {
		return abort(t, AttemptedIntentionLockOnRow)
	}

	state := t.State()
	isolation := t.IsolationLevel()

	switch isolation {
	case txn.RepeatableRead:
		if state == txn.Shrinking {
			return abort(t, LockOnShrinking)
		}
	case txn.ReadCommitted:
		if state == txn.Shrinking && mode != txn.IntentionShared && mode != txn.Shared {
			return abort(t, LockOnShrinking)
		}
	case txn.ReadUncommitted:
		if mode == txn.Shared || mode == txn.IntentionShared || mode == txn.SharedIntentionExclusive {
			return abort(t, LockSharedOnReadUncommitted)
		}
		if state == txn.Shrinking {
			return abort(t, LockOnShrinking)
		}
	}
	return nil
}

func (m *Manager) removeRequest(q *requestQueue, id txn.ID) {
	if _, idx := q.findAny(id); idx >= 0 {
		q.removeAt(idx)
	}
	if q.upgrading == id {
		q.upgrading = 0
	}
}

// ReleaseAllLocks removes every request t holds or is waiting on, grants
// whatever that unblocks, and clears t's lock sets. This is the reaping
// hook a transaction manager calls on commit or after an abort; no
// two-phase state transition is applied.
func (m *Manager) ReleaseAllLocks(t *txn.Transaction) {
	m.mapMutex.Lock()
	type held struct {
		q   *requestQueue
		res resourceID
	}
	all := make([]held, 0, len(m.queues))
	for res, q := range m.queues {
		all = append(all, held{q, res})
	}
	m.mapMutex.Unlock()

	// Row queues first so the no-rows-before-table ordering the unlock
	// path enforces is preserved here too.
	for pass := 0; pass < 2; pass++ {
		for _, h := range all {
			if (pass == 0) != h.res.rowLock {
				continue
			}
			h.q.mu.Lock()
			r, idx := h.q.findAny(t.ID())
			if r == nil {
				h.q.mu.Unlock()
				continue
			}
			h.q.removeAt(idx)
			if h.q.upgrading == t.ID() {
				h.q.upgrading = 0
			}
			if r.granted {
				if h.res.rowLock {
					t.RevokeRowLock(h.res.oid, h.res.rid)
				} else {
					t.RevokeTableLock(h.res.oid)
				}
			}
			m.applyNewGrants(h.q, h.res)
			h.q.cond.Broadcast()
			h.q.mu.Unlock()
		}
	}
}

// IsTableLocked reports whether any transaction currently holds a
// granted lock on oid, used by callers that want to avoid reclaiming a
// resource out from under a lock holder.
func (m *Manager) IsTableLocked(oid txn.TableOID) bool {
	q := m.queueFor(tableResource(oid))
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.grantedHolders()) > 0
}

// AddEdge, RemoveEdge, HasCycle, and GetEdgeList expose the wait-for
// graph directly, primarily for callers that want to drive the
// detector's cycle-breaking logic without going through full lock
// contention.
func (m *Manager) AddEdge(waiter, holder txn.ID) { m.graph.AddEdge(waiter, holder) }

func (m *Manager) RemoveEdge(waiter, holder txn.ID) { m.graph.RemoveEdge(waiter, holder) }

func (m *Manager) HasCycle() (txn.ID, bool) { return m.graph.HasCycle() }

func (m *Manager) GetEdgeList() []Edge { return m.graph.GetEdgeList() }

func (m *Manager) String() string {
	return fmt.Sprintf("lock.Manager{queues=%d}", len(m.queues))
}
