package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_engine_pool_hits_total",
		Help: "Total number of engine allocations served from the buffer pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_engine_pool_misses_total",
		Help: "Total number of engine allocations that required a fresh buffer",
	})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lrn_engine_allocated_bytes",
		Help: "Bytes currently handed out by the CPU engine",
	})
)
