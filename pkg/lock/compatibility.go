package lock

import "storagecore/pkg/txn"

var allModes = []txn.LockMode{
	txn.IntentionShared, txn.IntentionExclusive, txn.Shared, txn.SharedIntentionExclusive, txn.Exclusive,
}

// compatibleWithHeld returns the set of modes a new request may take on
// a resource that already has held granted on it.
func compatibleWithHeld(held txn.LockMode) map[txn.LockMode]bool {
	switch held {
	case txn.IntentionShared:
		return modeSet(txn.IntentionShared, txn.IntentionExclusive, txn.Shared, txn.SharedIntentionExclusive)
	case txn.IntentionExclusive:
		return modeSet(txn.IntentionShared, txn.IntentionExclusive)
	case txn.Shared:
		return modeSet(txn.IntentionShared, txn.Shared)
	case txn.SharedIntentionExclusive:
		return modeSet(txn.IntentionShared)
	case txn.Exclusive:
		return modeSet()
	default:
		return modeSet()
	}
}

func modeSet(modes ...txn.LockMode) map[txn.LockMode]bool {
	s := make(map[txn.LockMode]bool, len(modes))
	for _, m := range modes {
		s[m] = true
	}
	return s
}

func fullModeSet() map[txn.LockMode]bool {
	return modeSet(allModes...)
}

func intersect(a, b map[txn.LockMode]bool) map[txn.LockMode]bool {
	out := make(map[txn.LockMode]bool)
	for m := range a {
		if b[m] {
			out[m] = true
		}
	}
	return out
}

// legalUpgrades lists the modes a transaction holding a given mode may
// validly upgrade to.
var legalUpgrades = map[txn.LockMode]map[txn.LockMode]bool{
	txn.IntentionShared:          modeSet(txn.Shared, txn.Exclusive, txn.IntentionExclusive, txn.SharedIntentionExclusive),
	txn.Shared:                   modeSet(txn.Exclusive, txn.SharedIntentionExclusive),
	txn.IntentionExclusive:       modeSet(txn.Exclusive, txn.SharedIntentionExclusive),
	txn.SharedIntentionExclusive: modeSet(txn.Exclusive),
	txn.Exclusive:                modeSet(),
}

func isLegalUpgrade(from, to txn.LockMode) bool {
	return legalUpgrades[from][to]
}
