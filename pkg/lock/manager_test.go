package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storagecore/pkg/txn"
)

func newTestManager() *Manager {
	return NewManager(50*time.Millisecond, nil, nil)
}

func TestLockTable_BasicGrantAndUnlock(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)

	require.NoError(t, m.LockTable(tx, txn.Shared, 1))
	require.True(t, tx.HasTableLock(1, txn.Shared))

	require.NoError(t, m.UnlockTable(tx, 1))
	require.Equal(t, txn.Shrinking, tx.State())
	require.False(t, tx.HasTableLock(1, txn.Shared))
}

func TestLockTable_IncompatibleLocksBlockThenGrant(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(txn.RepeatableRead)
	t2 := txn.New(txn.RepeatableRead)

	require.NoError(t, m.LockTable(t1, txn.Exclusive, 1))

	done := make(chan error, 1)
	go func() { done <- m.LockTable(t2, txn.Shared, 1) }()

	select {
	case <-done:
		t.Fatal("t2 should not have been granted while t1 holds X")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.UnlockTable(t1, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("t2 was never granted after t1 unlocked")
	}
}

// TestLockUpgrade_Fairness: an upgrade enqueues at the head of the wait
// region, so a waiter that arrived before the upgrade started still
// yields to it.
func TestLockUpgrade_Fairness(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(txn.RepeatableRead)
	t2 := txn.New(txn.RepeatableRead)
	t3 := txn.New(txn.RepeatableRead)

	require.NoError(t, m.LockTable(t1, txn.Shared, 1))
	require.NoError(t, m.LockTable(t2, txn.Shared, 1))

	t3Done := make(chan error, 1)
	go func() { t3Done <- m.LockTable(t3, txn.Exclusive, 1) }()
	time.Sleep(30 * time.Millisecond)

	var order []int
	var orderMu sync.Mutex
	t1Done := make(chan error, 1)
	go func() {
		err := m.LockTable(t1, txn.Exclusive, 1)
		orderMu.Lock()
		order = append(order, 1)
		orderMu.Unlock()
		t1Done <- err
	}()
	time.Sleep(30 * time.Millisecond) // let t1's upgrade enqueue ahead of t3

	require.NoError(t, m.UnlockTable(t2, 1))

	select {
	case err := <-t1Done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("t1's upgrade was never granted")
	}

	select {
	case <-t3Done:
		t.Fatal("t3 must not be granted before t1's upgrade completes")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.UnlockTable(t1, 1))

	select {
	case err := <-t3Done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("t3 was never granted after t1 released its upgraded X lock")
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	require.Equal(t, []int{1}, order)
}

func TestLockUpgrade_SameModeIsNoOp(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.Shared, 1))
	require.NoError(t, m.LockTable(tx, txn.Shared, 1))
}

func TestLockUpgrade_IllegalTransitionAborts(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.Exclusive, 1))

	err := m.LockTable(tx, txn.Shared, 1)
	require.Error(t, err)
	require.Equal(t, txn.Aborted, tx.State())
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)
}

func TestLockUpgrade_ConflictWhenTwoUpgradesRace(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(txn.RepeatableRead)
	t2 := txn.New(txn.RepeatableRead)

	require.NoError(t, m.LockTable(t1, txn.Shared, 1))
	require.NoError(t, m.LockTable(t2, txn.Shared, 1))

	upgrade1Done := make(chan error, 1)
	go func() { upgrade1Done <- m.LockTable(t1, txn.Exclusive, 1) }()
	time.Sleep(30 * time.Millisecond)

	err := m.LockTable(t2, txn.Exclusive, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, UpgradeConflict, abortErr.Reason)
	require.Equal(t, txn.Aborted, t2.State())

	// Reap the aborted transaction; its S lock was blocking t1's upgrade.
	m.ReleaseAllLocks(t2)
	require.NoError(t, <-upgrade1Done)
	require.True(t, t1.HasTableLock(1, txn.Exclusive))
	require.False(t, t1.HasTableLock(1, txn.Shared))
}

func TestRowLock_RequiresTableLockFirst(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)

	err := m.LockRow(tx, txn.Shared, 1, txn.RowID{Slot: 1})
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)
}

func TestRowLock_ExclusiveRequiresExclusiveIntentOnTable(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.Shared, 1))

	err := m.LockRow(tx, txn.Exclusive, 1, txn.RowID{Slot: 1})
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)
}

func TestRowLock_IntentionModeRejected(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.IntentionExclusive, 1))

	err := m.LockRow(tx, txn.IntentionExclusive, 1, txn.RowID{Slot: 1})
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestUnlockTable_BeforeRowsFails(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.IntentionExclusive, 1))
	require.NoError(t, m.LockRow(tx, txn.Exclusive, 1, txn.RowID{Slot: 1}))

	err := m.UnlockTable(tx, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)

	require.NoError(t, m.UnlockRow(tx, 1, txn.RowID{Slot: 1}))
	require.NoError(t, m.UnlockTable(tx, 1))
}

func TestUnlock_WithoutHoldingFails(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)

	err := m.UnlockTable(tx, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedUnlockButNoLockHeld, abortErr.Reason)
}

func TestIsolation_ReadUncommittedRejectsShared(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.ReadUncommitted)

	err := m.LockTable(tx, txn.Shared, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestIsolation_LockOnShrinkingAborts(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.RepeatableRead)
	require.NoError(t, m.LockTable(tx, txn.Shared, 1))
	require.NoError(t, m.UnlockTable(tx, 1))
	require.Equal(t, txn.Shrinking, tx.State())

	err := m.LockTable(tx, txn.Shared, 2)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
}

func TestIsolation_ReadCommittedAllowsSharedWhileShrinking(t *testing.T) {
	m := newTestManager()
	tx := txn.New(txn.ReadCommitted)
	require.NoError(t, m.LockTable(tx, txn.Exclusive, 1))
	require.NoError(t, m.UnlockTable(tx, 1))
	require.Equal(t, txn.Shrinking, tx.State())

	require.NoError(t, m.LockTable(tx, txn.Shared, 2))
}

// TestDeadlockDetection_AbortsVictim: two transactions each hold one row
// X lock and request the other's, forming a cycle; the detector must
// abort the newer transaction and leave the older one to proceed.
func TestDeadlockDetection_AbortsVictim(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(txn.RepeatableRead)
	t2 := txn.New(txn.RepeatableRead)
	require.Greater(t, int64(t2.ID()), int64(t1.ID()))

	r1 := txn.RowID{Slot: 1}
	r2 := txn.RowID{Slot: 2}
	require.NoError(t, m.LockTable(t1, txn.IntentionExclusive, 1))
	require.NoError(t, m.LockTable(t2, txn.IntentionExclusive, 1))
	require.NoError(t, m.LockRow(t1, txn.Exclusive, 1, r1))
	require.NoError(t, m.LockRow(t2, txn.Exclusive, 1, r2))

	t1Done := make(chan error, 1)
	t2Done := make(chan error, 1)
	go func() { t1Done <- m.LockRow(t1, txn.Exclusive, 1, r2) }()
	go func() { t2Done <- m.LockRow(t2, txn.Exclusive, 1, r1) }()

	m.RunCycleDetection()
	defer m.Stop()

	// t2 has the larger id, so it must be the reported victim.
	select {
	case err := <-t2Done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was never broken")
	}
	require.Equal(t, txn.Aborted, t2.State())

	// Reaping the victim's held locks lets the survivor through.
	m.ReleaseAllLocks(t2)
	select {
	case err := <-t1Done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor was never granted after the victim was reaped")
	}
	require.Equal(t, txn.Growing, t1.State())
}

func TestDeadlockGraph_PublicAPI(t *testing.T) {
	m := newTestManager()
	m.AddEdge(2, 1)
	m.AddEdge(1, 2)

	victim, found := m.HasCycle()
	require.True(t, found)
	require.EqualValues(t, 2, victim)

	edges := m.GetEdgeList()
	require.Len(t, edges, 2)

	m.RemoveEdge(1, 2)
	_, found = m.HasCycle()
	require.False(t, found)
}
