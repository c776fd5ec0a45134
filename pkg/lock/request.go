package lock

import (
	"sync"

	"storagecore/pkg/txn"
)

// request is one transaction's ask for a lock on a resource, live in a
// queue from enqueue until granted-then-released.
type request struct {
	txnID   txn.ID
	txn     *txn.Transaction
	mode    txn.LockMode
	granted bool
}

// requestQueue is the FIFO queue of lock requests for one resource
// (table oid or row id): an ordered request list, a per-queue
// mutex/condition variable pairing, and at most one in-flight upgrade.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading txn.ID // 0 means no upgrade in flight
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *requestQueue) findGranted(id txn.ID) (*request, int) {
	for i, r := range q.requests {
		if r.txnID == id && r.granted {
			return r, i
		}
	}
	return nil, -1
}

func (q *requestQueue) findAny(id txn.ID) (*request, int) {
	for i, r := range q.requests {
		if r.txnID == id {
			return r, i
		}
	}
	return nil, -1
}

func (q *requestQueue) removeAt(i int) {
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
}

// grantedHolders returns the distinct transactions holding a granted
// request on this queue, used to build wait-for edges.
func (q *requestQueue) grantedHolders() []txn.ID {
	var holders []txn.ID
	for _, r := range q.requests {
		if r.granted {
			holders = append(holders, r.txnID)
		}
	}
	return holders
}

// recomputeGrants walks the queue in FIFO order, granting every pending
// request whose mode remains compatible with every already-granted
// request ahead of it. It stops at the first incompatible pending
// request; nothing behind that point may leapfrog.
func (q *requestQueue) recomputeGrants() []txn.ID {
	compatible := fullModeSet()
	var newlyGranted []txn.ID

	for _, r := range q.requests {
		if r.granted {
			compatible = intersect(compatible, compatibleWithHeld(r.mode))
			continue
		}
		if !compatible[r.mode] {
			break
		}
		r.granted = true
		newlyGranted = append(newlyGranted, r.txnID)
		compatible = intersect(compatible, compatibleWithHeld(r.mode))
		if q.upgrading == r.txnID {
			q.upgrading = 0
		}
	}
	return newlyGranted
}
