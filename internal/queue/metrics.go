// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_enqueued_total",
		Help: "Jobs added to the queue",
	}, []string{"kind"})

	jobsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_duplicate_total",
		Help: "Enqueues dropped because the idempotency key was already known",
	}, []string{"kind"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_completed_total",
		Help: "Jobs completed successfully",
	}, []string{"kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_failed_total",
		Help: "Failed job runs, retried or dead-lettered",
	}, []string{"kind"})

	jobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_dead_lettered_total",
		Help: "Jobs moved to the dead-letter set",
	}, []string{"kind"})

	leaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_lease_conflicts_total",
		Help: "Transaction conflicts and lost leases",
	})

	pendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_pending_jobs",
		Help: "Live jobs (pending or leased) at the last stats scan",
	})

	deadJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_dead_jobs",
		Help: "Dead-lettered jobs at the last stats scan",
	})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_handler_duration_seconds",
		Help:    "Job handler latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind", "result"})

	compactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_compactions_total",
		Help: "Compaction runs",
	})

	markersCompacted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_done_markers_compacted_total",
		Help: "Expired done markers removed by compaction",
	})

	gcDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_gc_duration_seconds",
		Help:    "BadgerDB value-log GC duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func recordEnqueued(kind string)     { jobsEnqueued.WithLabelValues(kind).Inc() }
func recordDuplicate(kind string)    { jobsDuplicate.WithLabelValues(kind).Inc() }
func recordCompleted(kind string)    { jobsCompleted.WithLabelValues(kind).Inc() }
func recordFailed(kind string)       { jobsFailed.WithLabelValues(kind).Inc() }
func recordDeadLettered(kind string) { jobsDeadLettered.WithLabelValues(kind).Inc() }
func recordLeaseConflict()           { leaseConflicts.Inc() }
func updatePendingGauge(n int64)     { pendingJobs.Set(float64(n)) }
func updateDeadGauge(n int64)        { deadJobs.Set(float64(n)) }
func recordGC(seconds float64)       { gcDuration.Observe(seconds) }

func recordHandler(kind, result string, seconds float64) {
	handlerDuration.WithLabelValues(kind, result).Observe(seconds)
}

func recordCompaction(removed int64) {
	compactionsTotal.Inc()
	if removed > 0 {
		markersCompacted.Add(float64(removed))
	}
}
