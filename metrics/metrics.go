package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_ranker_jobs_completed_total",
			Help: "Total number of queue jobs completed",
		},
		[]string{"queue"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_ranker_jobs_failed_total",
			Help: "Total number of queue jobs failed",
		},
		[]string{"queue", "error_code"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geo_ranker_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"queue"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geo_ranker_jobs_active",
			Help: "Jobs currently being processed per queue",
		},
		[]string{"queue"},
	)

	DirectoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_ranker_directory_requests_total",
			Help: "Calls made to the places directory",
		},
		[]string{"endpoint", "outcome"},
	)

	ListingsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_ranker_listings_upserted_total",
			Help: "Listings written by scrapes, by outcome",
		},
		[]string{"outcome"},
	)

	RankingsWritten = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geo_ranker_rankings_last_processed",
			Help: "Snapshot rows written by the most recent ranking run",
		},
	)

	TaskResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geo_ranker_task_results_total",
			Help: "Per-listing outcomes of maintenance tasks",
		},
		[]string{"task", "outcome"},
	)
)
