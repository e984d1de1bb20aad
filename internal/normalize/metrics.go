package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrn_normalize_requests_total",
		Help: "Total number of normalization requests by outcome",
	}, []string{"status"})

	elementsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_normalize_elements_total",
		Help: "Total number of tensor elements normalized",
	})

	layerCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_layer_cache_hits_total",
		Help: "Total number of requests served by an already configured layer",
	})

	layerCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_layer_cache_misses_total",
		Help: "Total number of layers created for a new dataset and parameter set",
	})

	cachedLayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lrn_layer_cache_size",
		Help: "Number of configured layers held by the normalizer",
	})

	streamInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lrn_stream_inflight",
		Help: "Number of stream requests currently being normalized",
	})
)
