package lock

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks lock manager contention. A nil *Metrics degrades every
// call to a no-op.
type Metrics struct {
	granted   prometheus.Counter
	upgrades  prometheus.Counter
	deadlocks prometheus.Counter
}

// NewMetrics registers the lock manager's counters with reg. Pass nil to
// disable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		granted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_lock_grants_total",
			Help: "Lock requests granted.",
		}),
		upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_lock_upgrades_total",
			Help: "Lock upgrades started (validated and queued ahead of other waiters).",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_lock_deadlock_victims_total",
			Help: "Transactions aborted by the deadlock detector.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.granted, m.upgrades, m.deadlocks)
	}
	return m
}

func (m *Metrics) recordGrant() {
	if m == nil {
		return
	}
	m.granted.Inc()
}

func (m *Metrics) recordUpgrade() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
}

func (m *Metrics) recordDeadlockVictim() {
	if m == nil {
		return
	}
	m.deadlocks.Inc()
}
