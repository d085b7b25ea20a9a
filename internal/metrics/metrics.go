// Package metrics exposes the runtime's Prometheus instrumentation: turn
// and tool execution counters/histograms, and a gauge of active turns.
// Grounded on internal/observability/metrics.go's promauto-constructed
// CounterVec/HistogramVec/GaugeVec fields, narrowed from that file's
// channel/webhook/database concerns (out of this system's scope, §1) to
// the Turn Orchestrator and Tool Executor concerns SPEC_FULL.md names.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the runtime registers. A nil
// *Metrics is valid everywhere it is used — callers guard each
// instrumentation site so metrics stay fully optional at startup.
type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	ActiveTurns      prometheus.Gauge
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	EventsAppended   *prometheus.CounterVec
	CompactionsTotal *prometheus.CounterVec
	ProviderTokens   *prometheus.CounterVec
}

// New registers and returns a fresh Metrics against the default
// Prometheus registry. Calling it more than once in the same process
// panics (promauto behavior), matching the teacher's single
// NewMetrics()-at-startup convention.
func New() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrund_turns_total",
				Help: "Total number of turns completed, by stop reason.",
			},
			[]string{"stop_reason"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrund_turn_duration_seconds",
				Help:    "Wall time of one full turn, PREPARING through COMPLETED/FAILED/ABORTED.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		ActiveTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentrund_active_turns",
			Help: "Number of sessions with a turn currently in flight.",
		}),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrund_tool_executions_total",
				Help: "Total tool executions, by tool name and outcome.",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrund_tool_duration_seconds",
				Help:    "Wall time of one tool execution.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrund_events_appended_total",
				Help: "Total events appended to the event store, by type.",
			},
			[]string{"type"},
		),
		CompactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrund_compactions_total",
				Help: "Total compaction attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		ProviderTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrund_provider_tokens_total",
				Help: "Total provider tokens accounted for, by provider and kind.",
			},
			[]string{"provider", "kind"},
		),
	}
}

// ObserveTurn records one completed turn's duration and stop reason. A nil
// receiver is a no-op, so callers do not need a separate "metrics enabled"
// check at every call site.
func (m *Metrics) ObserveTurn(model, stopReason string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(stopReason).Inc()
	m.TurnDuration.WithLabelValues(model).Observe(d.Seconds())
}

// ObserveTool records one tool execution's duration and outcome.
func (m *Metrics) ObserveTool(toolName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(toolName, outcome).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// IncActiveTurns adjusts the in-flight turn gauge by delta (+1 on start,
// -1 on completion).
func (m *Metrics) IncActiveTurns(delta float64) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(delta)
}

// ObserveEvent records one event append, by its type discriminator.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// ObserveCompaction records one compaction attempt's outcome
// ("succeeded", "failed", "skipped").
func (m *Metrics) ObserveCompaction(outcome string) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProviderUsage records token accounting from a completed
// provider stream.
func (m *Metrics) ObserveProviderUsage(provider string, input, output, cacheRead, cacheCreate int64) {
	if m == nil {
		return
	}
	m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(input))
	m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(output))
	m.ProviderTokens.WithLabelValues(provider, "cache_read").Add(float64(cacheRead))
	m.ProviderTokens.WithLabelValues(provider, "cache_creation").Add(float64(cacheCreate))
}
