package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Internal counters for the plane itself, registered on the default
// registry and served by the ops listener.
var (
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "queue_dropped_total",
		Help:      "Items dropped from bounded queues.",
	}, []string{"queue"})

	SinkPointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "sink_points_written_total",
		Help:      "Points successfully written to the metric sink.",
	})

	SinkPointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "sink_points_dropped_total",
		Help:      "Points dropped because the sink was full, open, or degraded.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifications_sent_total",
		Help:      "Notifications delivered, by channel.",
	}, []string{"channel"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifications_failed_total",
		Help:      "Notifications that failed after retries, by channel.",
	}, []string{"channel"})

	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifications_suppressed_total",
		Help:      "Notifications suppressed by rate limiting, by channel.",
	}, []string{"channel"})

	AlertsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "alerts_active",
		Help:      "Alerts currently active or acknowledged.",
	})

	AlertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "alerts_opened_total",
		Help:      "Alerts opened, by severity.",
	}, []string{"severity"})

	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "recovery_attempts_total",
		Help:      "Self-healing recovery attempts, by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "backup_runs_total",
		Help:      "Backup operations, by final status.",
	}, []string{"status"})

	FederationProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "federation_probes_total",
		Help:      "Peer health probes, by resulting status.",
	}, []string{"status"})

	EvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigil",
		Name:      "alert_eval_seconds",
		Help:      "Duration of one alert evaluation pass.",
		Buckets:   prometheus.DefBuckets,
	})
)
