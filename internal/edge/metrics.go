package edge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fnvmrun/fnvm/internal/pool"
)

// poolCollector exposes pool.Stats() as Prometheus gauges/counters on
// every scrape, rather than maintaining a parallel set of metric objects
// the pool would need to update on every state change.
type poolCollector struct {
	p *pool.Pool

	cacheSize  *prometheus.Desc
	coldStarts *prometheus.Desc
	evictions  *prometheus.Desc
}

func newPoolCollector(p *pool.Pool) *poolCollector {
	return &poolCollector{
		p:          p,
		cacheSize:  prometheus.NewDesc("fnvm_pool_cache_size", "Number of VMs currently warm in the pool.", nil, nil),
		coldStarts: prometheus.NewDesc("fnvm_pool_cold_starts_total", "Total VMs created because of a cache miss.", nil, nil),
		evictions:  prometheus.NewDesc("fnvm_pool_evictions_total", "Total VMs torn down because their lease expired.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheSize
	ch <- c.coldStarts
	ch <- c.evictions
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.p.Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(stats.CacheSize))
	ch <- prometheus.MustNewConstMetric(c.coldStarts, prometheus.CounterValue, float64(stats.ColdStarts))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
}

// RegisterMetrics registers the pool's metrics on reg, defaulting to the
// global registry when reg is nil.
func RegisterMetrics(p *pool.Pool, reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(newPoolCollector(p))
}
