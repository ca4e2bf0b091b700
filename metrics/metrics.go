package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_processed_total",
			Help: "Total number of events run through the detection pipeline",
		},
		[]string{"outcome"},
	)

	FindingsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_findings_generated_total",
			Help: "Total number of findings emitted by detection rules",
		},
		[]string{"rule", "severity"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_rule_errors_total",
			Help: "Total number of rule evaluations that failed and were treated as no finding",
		},
		[]string{"rule", "class"},
	)

	IncidentsEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_incidents_escalated_total",
			Help: "Total number of incidents created or updated by escalation policies",
		},
		[]string{"policy", "action"},
	)

	PipelineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_pipeline_failures_total",
			Help: "Total number of pipeline invocations that failed and are eligible for retry",
		},
		[]string{"class"},
	)

	DedupClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_dedup_claims_total",
			Help: "Dedup claims by outcome",
		},
		[]string{"outcome"},
	)

	StateStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_state_store_errors_total",
			Help: "Shared state store operation failures",
		},
		[]string{"op"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notifications_dropped_total",
			Help: "Notifications that could not be delivered",
		},
		[]string{"publisher", "reason"},
	)

	DeliveriesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_deliveries_handled_total",
			Help: "Queue deliveries by acknowledgement outcome",
		},
		[]string{"subject", "outcome"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_event_processing_duration_seconds",
			Help:    "Time taken to run one event through detection and escalation",
			Buckets: prometheus.DefBuckets,
		},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_sqlite_pool_open_connections",
			Help: "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_sqlite_pool_in_use",
			Help: "Connections currently in use per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sqlite_pool_wait_total",
			Help: "Total number of connection waits per SQLite pool",
		},
		[]string{"pool"},
	)
)
