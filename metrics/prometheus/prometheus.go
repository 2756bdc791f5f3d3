// Package prometheus implements rescache.Metrics with Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meigma/rescache"
	"github.com/meigma/rescache/transport"
)

// Metrics is the Prometheus implementation of rescache.Metrics.
type Metrics struct {
	opens           *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	fetchBytes      prometheus.Histogram
	fetchDuration   prometheus.Histogram
	priorityChanges *prometheus.CounterVec
	handlesInUse    prometheus.Gauge
}

var _ rescache.Metrics = (*Metrics)(nil)

// New registers the device collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		opens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescache_opens_total",
				Help: "Total number of successful opens by cache result",
			},
			[]string{"result"}, // "hit", "miss"
		),
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescache_fetches_total",
				Help: "Total number of settled downloads by outcome",
			},
			[]string{"result"}, // "success", "failure"
		),
		fetchBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "rescache_fetch_bytes",
				Help: "Distribution of downloaded file sizes",
				Buckets: []float64{
					4096,      // 4KB - metadata files
					65536,     // 64KB
					524288,    // 512KB
					1048576,   // 1MB
					4194304,   // 4MB - typical models
					16777216,  // 16MB
					67108864,  // 64MB - texture dictionaries
					268435456, // 256MB
				},
			},
		),
		fetchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rescache_fetch_duration_seconds",
				Help:    "Duration of downloads from dispatch to completion",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
			},
		),
		priorityChanges: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescache_priority_changes_total",
				Help: "Total number of priority changes requested through sentinel reads",
			},
			[]string{"priority"},
		),
		handlesInUse: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "rescache_handles_in_use",
				Help: "Number of allocated handle slots",
			},
		),
	}
}

// ObserveOpen implements rescache.Metrics.
func (m *Metrics) ObserveOpen(hit bool) {
	if hit {
		m.opens.WithLabelValues("hit").Inc()
		return
	}
	m.opens.WithLabelValues("miss").Inc()
}

// ObserveFetch implements rescache.Metrics. Sizes and durations are only
// recorded for successful downloads.
func (m *Metrics) ObserveFetch(ok bool, bytes int64, elapsed time.Duration) {
	if !ok {
		m.fetches.WithLabelValues("failure").Inc()
		return
	}
	m.fetches.WithLabelValues("success").Inc()
	m.fetchBytes.Observe(float64(bytes))
	m.fetchDuration.Observe(elapsed.Seconds())
}

// ObservePriorityChange implements rescache.Metrics.
func (m *Metrics) ObservePriorityChange(p transport.Priority) {
	m.priorityChanges.WithLabelValues(p.String()).Inc()
}

// SetHandlesInUse implements rescache.Metrics.
func (m *Metrics) SetHandlesInUse(n int) {
	m.handlesInUse.Set(float64(n))
}
