// Package metrics collects proxy statistics exposed on the admin endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ─────────────────────────────────────────────────────────────
// Collector
// ─────────────────────────────────────────────────────────────

// Collector holds all named counters and histograms for the proxy.
//
// The facade (Record/RecordLatency/Handler) is unchanged from the
// original hand-rolled version; the storage underneath is now real
// prometheus.Counter/Histogram vectors registered in a private
// registry, so /metrics speaks actual Prometheus exposition format
// instead of an ad-hoc text dump.
type Collector struct {
	mu sync.Mutex

	reg        *prometheus.Registry
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewCollector creates an empty collector with its own registry.
func NewCollector() *Collector {
	return &Collector{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Record increments a named counter by n.
func (c *Collector) Record(name string, n int64) {
	c.mu.Lock()
	ctr, ok := c.counters[name]
	if !ok {
		ctr = prometheus.NewCounter(prometheus.CounterOpts{
			Name: sanitizeMetricName(name),
			Help: name,
		})
		c.reg.MustRegister(ctr)
		c.counters[name] = ctr
	}
	c.mu.Unlock()
	ctr.Add(float64(n))
}

// RecordLatency records a duration sample in the named histogram.
func (c *Collector) RecordLatency(name string, d time.Duration) {
	c.mu.Lock()
	h, ok := c.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    sanitizeMetricName(name),
			Help:    name,
			Buckets: prometheus.DefBuckets,
		})
		c.reg.MustRegister(h)
		c.histograms[name] = h
	}
	c.mu.Unlock()
	h.Observe(d.Seconds())
}

// Handler exposes all metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// sanitizeMetricName turns a "proxy.upstream_error"-style dotted name
// into a valid Prometheus metric name.
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
			out[i] = b
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
