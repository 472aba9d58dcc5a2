package api

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/storage"
)

type metrics struct {
	simulations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	gasUsed     prometheus.Histogram
	sessions    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forksim",
			Name:      "simulations_total",
			Help:      "Simulated calls by route and outcome.",
		}, []string{"route", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forksim",
			Name:      "request_duration_seconds",
			Help:      "Simulation request latency, including forking.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"route"}),
		gasUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forksim",
			Name:      "gas_used",
			Help:      "Gas used per simulated call.",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 10),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forksim",
			Name:      "stateful_sessions",
			Help:      "Open stateful simulations.",
		}),
	}
	reg.MustRegister(m.simulations, m.duration, m.gasUsed, m.sessions)
	return m
}

func (m *metrics) observe(route string, started time.Time, results []*engine.CallResult, err error) {
	m.duration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	if err != nil {
		m.simulations.WithLabelValues(route, "error").Inc()
		return
	}
	for _, res := range results {
		outcome := "success"
		if !res.Success {
			outcome = "failed"
		}
		m.simulations.WithLabelValues(route, outcome).Inc()
		m.gasUsed.Observe(float64(res.GasUsed))
	}
}

// cacheCollector reports the row counts of the shared state cache at scrape
// time.
type cacheCollector struct {
	cache   *storage.CacheDB
	entries *prometheus.Desc
}

func newCacheCollector(cache *storage.CacheDB) *cacheCollector {
	return &cacheCollector{
		cache: cache,
		entries: prometheus.NewDesc(
			"forksim_state_cache_entries",
			"Rows in the persistent state cache by table.",
			[]string{"table"}, nil,
		),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.cache.GetStats()
	if err != nil {
		log.Warn("Failed to read state cache stats", "err", err)
		return
	}
	for _, table := range []string{"account", "storage", "signature"} {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats[table+"_entries"]), table)
	}
}
