// Package metrics holds the Prometheus collectors and tracing helpers for
// conversation streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geist"

var (
	// StreamEvents counts domain events applied from the orchestrator stream.
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Domain events routed from the orchestrator stream",
		},
		[]string{"kind"},
	)

	// ProtocolErrors counts wire events dropped by the decoder or router.
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_protocol_errors_total",
			Help:      "Malformed or unrecognized stream events that were skipped",
		},
		[]string{"stage"},
	)

	// TurnsTotal counts finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration observes wall time from transport open to terminal state.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Conversation turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// ToolCalls counts tool lifecycle transitions.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool call lifecycle events",
		},
		[]string{"tool_name", "status"},
	)

	// ActiveStreams tracks turns currently streaming.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Turns currently reading from the orchestrator",
		},
	)
)

// Turn outcomes.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Protocol error stages.
const (
	StageDecode = "decode"
	StageRoute  = "route"
)
