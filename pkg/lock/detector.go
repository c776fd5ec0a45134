package lock

import (
	"time"

	"go.uber.org/zap"

	"storagecore/pkg/txn"
)

// RunCycleDetection starts the background deadlock detector: sleep for
// the configured interval, rebuild the wait-for graph from every queue,
// abort victims found by DFS until no cycle remains, wake all waiters.
// Cooperative shutdown via Stop, which clears enableCycleDetection and
// closes stopCh; the loop exits on stopCh.
func (m *Manager) RunCycleDetection() {
	m.mapMutex.Lock()
	m.enableCycleDetection = true
	m.mapMutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.detectionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.detectOnce()
			}
		}
	}()
}

// Stop joins the detector goroutine. Safe to call when the detector was
// never started.
func (m *Manager) Stop() {
	m.mapMutex.Lock()
	if !m.enableCycleDetection {
		m.mapMutex.Unlock()
		return
	}
	m.enableCycleDetection = false
	m.mapMutex.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) detectOnce() {
	m.mapMutex.Lock()
	queues := make([]*requestQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mapMutex.Unlock()

	m.graph.Clear()
	byTxn := make(map[txn.ID]*txn.Transaction)

	for _, q := range queues {
		q.mu.Lock()
		holders := q.grantedHolders()
		for _, r := range q.requests {
			byTxn[r.txnID] = r.txn
			if r.granted {
				continue
			}
			for _, h := range holders {
				if h != r.txnID {
					m.graph.AddEdge(r.txnID, h)
				}
			}
		}
		q.mu.Unlock()
	}

	for {
		victim, found := m.graph.HasCycle()
		if !found {
			break
		}
		m.graph.RemoveTransaction(victim)
		m.metrics.recordDeadlockVictim()
		if t, ok := byTxn[victim]; ok {
			t.SetState(txn.Aborted)
			m.log.Info("deadlock victim aborted", zap.Int64("txn_id", int64(victim)))
		}
	}

	for _, q := range queues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
