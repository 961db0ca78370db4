package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageblocks_llm_requests_total",
			Help: "Total number of chat completion calls by model and outcome.",
		},
		[]string{"model", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pageblocks_llm_request_duration_seconds",
			Help:    "Duration of chat completion calls.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		},
		[]string{"model"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageblocks_llm_tokens_total",
			Help: "Total tokens reported by the provider by model and kind.",
		},
		[]string{"model", "kind"},
	)
)
