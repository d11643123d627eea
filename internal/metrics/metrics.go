package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the substrate. Each daemon
// builds one; vectors that a given daemon never touches simply stay empty.
type Metrics struct {
	// Ingress metrics
	IngestTotal    *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	TriageMatches  *prometheus.CounterVec

	// Routing metrics
	RouteTotal    *prometheus.CounterVec
	RouteDuration *prometheus.HistogramVec
	FanoutSize    prometheus.Histogram

	// Session metrics
	SessionTotal    *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec

	// Scheduler metrics
	SchedulerFires *prometheus.CounterVec
	SchedulerSkips *prometheus.CounterVec

	// Tool metrics
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Connector fleet metrics
	HeartbeatsTotal    *prometheus.CounterVec
	ConnectorsByState  *prometheus.GaugeVec
	EligibilityChanges *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	BackfillProgressed *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. Pass nil to register on
// the process-default registry; tests pass their own to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		IngestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_ingest_total",
				Help: "Envelopes presented to the ingress",
			},
			[]string{"channel", "result"}, // result: accepted, duplicate, invalid, error
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manor_ingest_duration_seconds",
				Help:    "Dedupe-core accept latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		TriageMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_triage_matches_total",
				Help: "Triage outcomes by rule and action",
			},
			[]string{"rule_id", "action"},
		),

		RouteTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_route_total",
				Help: "route() calls by target butler and outcome",
			},
			[]string{"butler", "outcome"}, // outcome: ok, not_found, unreachable, tool_error, not_permitted
		),

		RouteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manor_route_duration_seconds",
				Help:    "route() latency per target butler",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"butler"},
		),

		FanoutSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "manor_fanout_size",
				Help:    "Sub-routes per classified message",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
		),

		SessionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_sessions_total",
				Help: "Ephemeral sessions by trigger source and outcome",
			},
			[]string{"butler", "trigger_source", "outcome"}, // outcome: ok, error, deadline_exceeded
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manor_session_duration_seconds",
				Help:    "Wall time of ephemeral CLI sessions",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"butler"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "manor_session_queue_depth",
				Help: "Session requests waiting in the spawner queue",
			},
			[]string{"butler"},
		),

		SchedulerFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_scheduler_fires_total",
				Help: "Scheduled task fires by dispatch mode",
			},
			[]string{"butler", "dispatch_mode"},
		),

		SchedulerSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_scheduler_skips_total",
				Help: "Scheduled tasks skipped instead of fired",
			},
			[]string{"butler", "reason"}, // reason: expired, disabled_race, job_missing
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_tool_calls_total",
				Help: "MCP tools/call invocations",
			},
			[]string{"butler", "tool", "outcome"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "manor_tool_call_duration_seconds",
				Help:    "MCP tool handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"butler", "tool"},
		),

		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_heartbeats_total",
				Help: "Connector heartbeats received",
			},
			[]string{"connector_type", "state"},
		),

		ConnectorsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "manor_connectors",
				Help: "Registered connectors by derived liveness",
			},
			[]string{"liveness"},
		),

		EligibilityChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_eligibility_transitions_total",
				Help: "Connector eligibility transitions",
			},
			[]string{"from", "to"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_notifications_total",
				Help: "Outbound notifications by channel and status",
			},
			[]string{"channel", "status"},
		),

		BackfillProgressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manor_backfill_progress_total",
				Help: "Backfill progress reports by connector type",
			},
			[]string{"connector_type", "state"},
		),
	}
}

// RecordIngest records one accept attempt.
func (m *Metrics) RecordIngest(channel, result string, seconds float64) {
	m.IngestTotal.WithLabelValues(channel, result).Inc()
	m.IngestDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordRoute records a route() outcome.
func (m *Metrics) RecordRoute(butler, outcome string, seconds float64) {
	m.RouteTotal.WithLabelValues(butler, outcome).Inc()
	m.RouteDuration.WithLabelValues(butler).Observe(seconds)
}

// RecordSession records a completed session.
func (m *Metrics) RecordSession(butler, triggerSource, outcome string, seconds float64) {
	m.SessionTotal.WithLabelValues(butler, triggerSource, outcome).Inc()
	m.SessionDuration.WithLabelValues(butler).Observe(seconds)
}

// RecordToolCall records one MCP tool invocation.
func (m *Metrics) RecordToolCall(butler, tool, outcome string, seconds float64) {
	m.ToolCalls.WithLabelValues(butler, tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(butler, tool).Observe(seconds)
}

// RecordEligibilityChange records a registry transition.
func (m *Metrics) RecordEligibilityChange(from, to string) {
	m.EligibilityChanges.WithLabelValues(from, to).Inc()
}
