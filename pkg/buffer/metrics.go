package buffer

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks buffer pool cache behavior for a single Manager. A nil
// *Metrics is always safe to call into: every method degrades to a no-op
// so tests and callers that don't wire a registry pay nothing.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	pinned    prometheus.Gauge
}

// NewMetrics registers the buffer pool's counters and gauge with reg and
// returns a *Metrics ready to pass to NewManager. Pass nil to disable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_buffer_pool_hits_total",
			Help: "Pages served from the buffer pool without a disk read.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_buffer_pool_misses_total",
			Help: "Pages that required a disk read to fetch.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagecore_buffer_pool_evictions_total",
			Help: "Frames reclaimed by the LRU-K replacer.",
		}),
		pinned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storagecore_buffer_pool_pinned_frames",
			Help: "Frames currently pinned (non-evictable because of an outstanding fetch).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.pinned)
	}
	return m
}

func (m *Metrics) recordHit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *Metrics) recordMiss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) pinDelta(delta float64) {
	if m == nil {
		return
	}
	m.pinned.Add(delta)
}
