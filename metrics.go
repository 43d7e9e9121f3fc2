package hashfs

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the optional profiling state for one Index. It is only
// populated (and only touched on the hot path) when Options.Profile is
// true, per the MLFS_PROFILE environment hook. Each Index owns a private
// prometheus.Registry rather than registering into the global default
// registry, so multiple indexes can coexist in one process or test
// binary without colliding on metric names.
type metrics struct {
	enabled bool

	registry *prometheus.Registry

	lookups     prometheus.Counter
	inserts     prometheus.Counter
	removes     prometheus.Counter
	tableFulls  prometheus.Counter
	poisonTrips prometheus.Counter

	lookupLatency *hdrhistogram.Histogram
}

func newMetrics(enabled bool) *metrics {
	m := &metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	m.lookups = prometheus.NewCounter(prometheus.CounterOpts{Name: "hashfs_lookups_total"})
	m.inserts = prometheus.NewCounter(prometheus.CounterOpts{Name: "hashfs_inserts_total"})
	m.removes = prometheus.NewCounter(prometheus.CounterOpts{Name: "hashfs_removes_total"})
	m.tableFulls = prometheus.NewCounter(prometheus.CounterOpts{Name: "hashfs_table_full_total"})
	m.poisonTrips = prometheus.NewCounter(prometheus.CounterOpts{Name: "hashfs_poison_trips_total"})
	m.registry.MustRegister(m.lookups, m.inserts, m.removes, m.tableFulls, m.poisonTrips)

	// Track latencies from 1 nanosecond to 1 second with 3 significant
	// figures of precision, enough resolution for probe-chain-length
	// driven tail latency without the memory cost of full histogram
	// buckets per nanosecond.
	m.lookupLatency = hdrhistogram.New(1, 1_000_000_000, 3)

	return m
}

func (m *metrics) recordLookup(start time.Time) {
	if !m.enabled {
		return
	}
	m.lookups.Inc()
	m.lookupLatency.RecordValue(time.Since(start).Nanoseconds())
}

func (m *metrics) recordInsert()     { m.incIf(m.inserts) }
func (m *metrics) recordRemove()     { m.incIf(m.removes) }
func (m *metrics) recordTableFull()  { m.incIf(m.tableFulls) }
func (m *metrics) recordPoisonTrip() { m.incIf(m.poisonTrips) }

func (m *metrics) incIf(c prometheus.Counter) {
	if !m.enabled {
		return
	}
	c.Inc()
}

// LookupLatencyPercentile returns the p-th percentile (0..100) of
// recorded lookup latencies in nanoseconds. Returns 0 if profiling is
// disabled or no samples have been recorded.
func (m *metrics) LookupLatencyPercentile(p float64) int64 {
	if !m.enabled || m.lookupLatency.TotalCount() == 0 {
		return 0
	}
	return m.lookupLatency.ValueAtPercentile(p)
}

// Registry exposes the Index's private Prometheus registry so callers
// can wire it into their own /metrics handler. Returns nil when
// profiling is disabled.
func (m *metrics) Registry() *prometheus.Registry {
	return m.registry
}
