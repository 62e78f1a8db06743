package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Ledger metrics
	EntriesCreated  prometheus.Counter
	EntriesReplayed prometheus.Counter
	EntriesReversed prometheus.Counter
	EntriesVoided   prometheus.Counter
	PostingDuration prometheus.Histogram
	LedgerErrors    *prometheus.CounterVec

	// Saga metrics
	SagasStarted         *prometheus.CounterVec
	SagasFinished        *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	StepFailures         *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec

	// Monitor metrics
	ZombiesResurrected  prometheus.Counter
	SagasTimedOut       prometheus.Counter
	HeartbeatsRefreshed prometheus.Counter
	MonitorScanErrors   prometheus.Counter
	MonitorScans        prometheus.Counter

	// Outbox metrics
	EventsEmitted *prometheus.CounterVec
	EventsClaimed prometheus.Counter
	EventsAcked   *prometheus.CounterVec
	EventsFailed  *prometheus.CounterVec
	EventsParked  *prometheus.CounterVec

	// API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Audit metrics
	AuditLogsCreated *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ledger metrics
		EntriesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_entries_created_total",
			Help: "Total number of journal entries created",
		}),
		EntriesReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_entries_replayed_total",
			Help: "Total number of entry writes answered from an existing idempotency key",
		}),
		EntriesReversed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_entries_reversed_total",
			Help: "Total number of journal entries reversed",
		}),
		EntriesVoided: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_entries_voided_total",
			Help: "Total number of journal entries voided",
		}),
		PostingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sagaledger_posting_duration_seconds",
			Help:    "Duration of entry posting transactions",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_ledger_errors_total",
				Help: "Total number of rejected ledger writes by reason",
			},
			[]string{"error_type"},
		),

		// Saga metrics
		SagasStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_sagas_started_total",
				Help: "Total number of sagas started",
			},
			[]string{"saga"},
		),
		SagasFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_sagas_finished_total",
				Help: "Total number of sagas reaching a terminal status",
			},
			[]string{"saga", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sagaledger_saga_step_duration_seconds",
				Help:    "Duration of saga step execution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"saga", "step"},
		),
		StepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_saga_step_failures_total",
				Help: "Total number of failed saga steps",
			},
			[]string{"saga", "step"},
		),
		CompensationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_compensation_failures_total",
				Help: "Total number of compensating actions that returned an error",
			},
			[]string{"saga", "step"},
		),

		// Monitor metrics
		ZombiesResurrected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_zombies_resurrected_total",
			Help: "Total number of stuck sagas whose triggering event was re-emitted",
		}),
		SagasTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_sagas_timed_out_total",
			Help: "Total number of sagas failed by the monitor for passing their deadline",
		}),
		HeartbeatsRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_monitor_heartbeats_refreshed_total",
			Help: "Total number of stale sagas with an in-flight event whose heartbeat was refreshed",
		}),
		MonitorScanErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_monitor_scan_errors_total",
			Help: "Total number of per-saga monitor failures",
		}),
		MonitorScans: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_monitor_scans_total",
			Help: "Total number of monitor scans",
		}),

		// Outbox metrics
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_outbox_events_emitted_total",
				Help: "Total number of outbox events written",
			},
			[]string{"event_type"},
		),
		EventsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sagaledger_outbox_events_claimed_total",
			Help: "Total number of outbox events claimed",
		}),
		EventsAcked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_outbox_events_acked_total",
				Help: "Total number of outbox events processed",
			},
			[]string{"event_type"},
		),
		EventsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_outbox_events_failed_total",
				Help: "Total number of failed outbox deliveries",
			},
			[]string{"event_type"},
		),
		EventsParked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_outbox_events_parked_total",
				Help: "Total number of outbox events parked after exhausting retries",
			},
			[]string{"event_type"},
		),

		// API metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sagaledger_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Rate limiting metrics
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_rate_limit_hits_total",
				Help: "Total rate limit hits",
			},
			[]string{"ip"},
		),

		// Audit metrics
		AuditLogsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagaledger_audit_logs_total",
				Help: "Total audit logs created",
			},
			[]string{"action", "status"},
		),
	}
}
