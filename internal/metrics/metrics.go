package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts persisted status transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_transitions_total",
			Help: "Total number of persisted off-ramp status transitions",
		},
		[]string{"from", "to"},
	)

	// StepOutcomes counts orchestrator step outcomes by starting status
	StepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_step_outcomes_total",
			Help: "Total number of settlement step outcomes",
		},
		[]string{"status", "outcome"},
	)

	// StepDuration tracks how long one settlement step takes
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offramp_step_duration_seconds",
			Help:    "Settlement step duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// PassDuration tracks batch pass duration
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offramp_pass_duration_seconds",
			Help:    "Batch processor pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PassesTotal counts batch passes by trigger and result
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_passes_total",
			Help: "Total number of batch processor passes",
		},
		[]string{"trigger", "result"},
	)

	// ActiveRequests tracks actionable requests seen by the last pass
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offramp_active_requests",
			Help: "Number of actionable requests picked up by the last pass",
		},
	)

	// ChainTransfersDetected counts incoming deposit transfers observed on chain
	ChainTransfersDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offramp_chain_transfers_detected_total",
			Help: "Total number of incoming ERC-20 transfers detected",
		},
	)

	// ChainTransactionsSent counts raw transaction submissions
	ChainTransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_chain_transactions_sent_total",
			Help: "Total number of raw transactions submitted",
		},
		[]string{"status"},
	)

	// BroadcastsTotal counts write-ahead broadcasts by kind and outcome
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_broadcasts_total",
			Help: "Total number of settlement transactions by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	// PayoutCalls counts payout gateway calls
	PayoutCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_payout_calls_total",
			Help: "Total number of payout gateway calls",
		},
		[]string{"operation", "result"},
	)

	// RateLookups counts exchange rate lookups by source
	RateLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_rate_lookups_total",
			Help: "Total number of exchange rate lookups",
		},
		[]string{"source"},
	)

	// EventsPublished counts status events published to the broker
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offramp_events_published_total",
			Help: "Total number of status events published",
		},
		[]string{"result"},
	)
)
