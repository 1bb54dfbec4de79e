package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AirKoreaCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmsync_airkorea_calls_total",
			Help: "Total AirKorea API calls by outcome",
		},
		[]string{"station", "status"},
	)

	AirKoreaLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pmsync_airkorea_latency_seconds",
			Help:    "AirKorea API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"station"},
	)

	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmsync_readings_ingested_total",
			Help: "Total readings successfully upserted",
		},
		[]string{"station"},
	)

	UnitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pmsync_units_in_flight",
			Help: "Per-target units currently holding a limiter slot",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmsync_batch_duration_seconds",
			Help:    "Wall-clock duration of a full ingestion batch",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	BatchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pmsync_batch_errors_total",
			Help: "Total per-target diagnostics reported by batches",
		},
	)
)
