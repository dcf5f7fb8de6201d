package price

import "github.com/prometheus/client_golang/prometheus"

// RegisterCacheMetrics exposes the number of instruments held by c, stale
// entries included.
func RegisterCacheMetrics(registry prometheus.Registerer, c *Cache) {
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "price_cache_instruments",
			Help: "Instruments with a cached reference price.",
		},
		func() float64 { return float64(c.Size()) },
	))
}
