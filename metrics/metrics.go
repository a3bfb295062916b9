/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exposes Prometheus metrics for the format gate.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Global metrics with consistent dimensions
	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formatgate_webhook_events_total",
			Help: "Total number of webhook events received",
		},
		[]string{"action", "queued"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formatgate_jobs_total",
			Help: "Total number of format-check jobs by conclusion",
		},
		[]string{"conclusion"},
	)

	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formatgate_cache_requests_total",
			Help: "Total number of environment cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formatgate_step_duration_seconds",
			Help:    "Duration of individual job steps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"step"},
	)
)

// RecordWebhookEvent counts a received webhook event and whether it queued work.
func RecordWebhookEvent(action string, queued bool) {
	webhookEvents.WithLabelValues(action, strconv.FormatBool(queued)).Inc()
}

// RecordJob counts a finished job by conclusion (success, failure, skipped).
func RecordJob(conclusion string) {
	jobsTotal.WithLabelValues(conclusion).Inc()
}

// RecordCacheOutcome counts a cache lookup by outcome (hit, fallback, miss).
func RecordCacheOutcome(outcome string) {
	cacheRequests.WithLabelValues(outcome).Inc()
}

// ObserveStep records the wall-clock duration of a job step.
func ObserveStep(step string, d time.Duration) {
	stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// TimeStep returns a function that records the elapsed time for step when
// called, for use with defer.
func TimeStep(step string) func() {
	start := time.Now()
	return func() { ObserveStep(step, time.Since(start)) }
}
