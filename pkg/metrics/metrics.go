// Package metrics provides Prometheus metrics for the Thistle service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidateSearchesTotal tracks candidate searches by outcome
	CandidateSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "matching",
			Name:      "searches_total",
			Help:      "Total number of candidate searches by outcome",
		},
		[]string{"outcome"},
	)

	// CandidateSearchDuration tracks candidate search duration in seconds
	CandidateSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "matching",
			Name:      "search_duration_seconds",
			Help:      "Duration of candidate searches in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// CandidatesFound tracks how many candidates a search returned
	CandidatesFound = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "matching",
			Name:      "candidates_found",
			Help:      "Number of candidates returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// DuplicateLinksTotal tracks potential duplicate links created and removed
	DuplicateLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "links",
			Name:      "changes_total",
			Help:      "Total number of potential duplicate link changes",
		},
		[]string{"action"},
	)

	// MergesTotal tracks merge executions by outcome
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "merge",
			Name:      "executions_total",
			Help:      "Total number of merge executions by outcome",
		},
		[]string{"outcome"},
	)

	// MergeDuration tracks merge execution duration in seconds
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of merge executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// LockWaitDuration tracks time spent acquiring merge locks
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring merge locks in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"backend", "status"},
	)

	// EventsPublished tracks domain events published
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of domain events published",
		},
		[]string{"event_type", "status"},
	)

	// ReconcileSubjectsTotal tracks subjects processed by batch reconciliation
	ReconcileSubjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "reconcile",
			Name:      "subjects_total",
			Help:      "Total number of subjects processed by reconciliation",
		},
		[]string{"result"},
	)

	// ChangeMessagesTotal tracks subject change messages consumed from Kafka
	ChangeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Total number of subject change messages consumed",
		},
		[]string{"status"},
	)
)

// RecordCandidateSearch records a candidate search metric
func RecordCandidateSearch(outcome string, found int, durationSeconds float64) {
	CandidateSearchesTotal.WithLabelValues(outcome).Inc()
	CandidateSearchDuration.Observe(durationSeconds)
	CandidatesFound.Observe(float64(found))
}

// RecordMerge records a merge execution metric
func RecordMerge(outcome string, durationSeconds float64) {
	MergesTotal.WithLabelValues(outcome).Inc()
	MergeDuration.Observe(durationSeconds)
}

// RecordLockWait records the time spent acquiring a merge lock
func RecordLockWait(backend, status string, durationSeconds float64) {
	LockWaitDuration.WithLabelValues(backend, status).Observe(durationSeconds)
}

// RecordEventPublish records a domain event publish
func RecordEventPublish(eventType, status string) {
	EventsPublished.WithLabelValues(eventType, status).Inc()
}

func RecordLinkChange(action string, count int) {
	DuplicateLinksTotal.WithLabelValues(action).Add(float64(count))
}

func RecordReconcileSubject(result string) {
	ReconcileSubjectsTotal.WithLabelValues(result).Inc()
}

func RecordChangeMessage(status string) {
	ChangeMessagesTotal.WithLabelValues(status).Inc()
}
