package lrn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	planBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrn_plan_builds_total",
		Help: "Total number of LRN computation plans built (first use or shape change)",
	}, []string{"layer"})

	inputReorders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lrn_input_reorders_total",
		Help: "Total number of inputs converted to the plan layout before reading",
	}, []string{"layer"})

	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lrn_forward_duration_seconds",
		Help:    "Time spent in LRN forward passes",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer"})
)
