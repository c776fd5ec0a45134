package lock

import (
	"fmt"

	"storagecore/pkg/txn"
)

// AbortReason is why the lock manager aborted a transaction.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	LockSharedOnReadUncommitted
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	IncompatibleUpgrade
	UpgradeConflict
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case LockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case AttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case TableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case TableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	case IncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case UpgradeConflict:
		return "UPGRADE_CONFLICT"
	case Deadlock:
		return "DEADLOCK"
	default:
		return "UNKNOWN_ABORT_REASON"
	}
}

// AbortError is returned when a lock request is refused and the
// transaction has been moved to the Aborted state.
type AbortError struct {
	TxnID  txn.ID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

func abort(t *txn.Transaction, reason AbortReason) error {
	t.SetState(txn.Aborted)
	return &AbortError{TxnID: t.ID(), Reason: reason}
}
