// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TailUpdatesTotal counts live window snapshots merged into a timeline.
	TailUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_tail_updates_total",
			Help: "Total live tail snapshots merged into timelines",
		},
	)

	// BackfillsTotal counts backward page loads by outcome.
	BackfillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_backfills_total",
			Help: "Total backward page loads",
		},
		[]string{"status"},
	)

	// GapFillsTotal counts loads of messages a live window skipped over.
	GapFillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_gap_fills_total",
			Help: "Total loads of messages missed between live windows",
		},
		[]string{"status"},
	)

	// BackfillDuration tracks how long backward page loads take.
	BackfillDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_backfill_duration_seconds",
			Help:    "Backward page load duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// ResubscribesTotal counts subscription restarts after errors.
	ResubscribesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_resubscribes_total",
			Help: "Total subscription restarts after transport errors",
		},
		[]string{"stream", "status"},
	)

	// OptimisticFailuresTotal counts sends and patches rejected by the backend.
	OptimisticFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_optimistic_failures_total",
			Help: "Total optimistic mutations rejected by the backend",
		},
		[]string{"op"},
	)

	// TypingDropsTotal counts typing signals that could not be broadcast.
	TypingDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_typing_drops_total",
			Help: "Total typing signals dropped",
		},
		[]string{"reason"},
	)

	// ListUpdatesTotal counts conversation list snapshots.
	ListUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_list_updates_total",
			Help: "Total conversation list snapshots received",
		},
	)

	// OpenConversations tracks conversations with a live timeline.
	OpenConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_open_conversations",
			Help: "Number of conversations with an open timeline",
		},
	)
)
