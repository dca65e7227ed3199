package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus instruments shared by the periodic jobs.
// Everything is registered once on the default registry and exposed through
// the server's /metrics endpoint.
type Metrics struct {
	JobRuns     *prometheus.CounterVec
	JobFailures *prometheus.CounterVec

	ItemsIngested  prometheus.Counter
	ItemsValidated *prometheus.CounterVec
	ItemsEnriched  prometheus.Counter

	GatewayCalls    *prometheus.CounterVec
	GatewayFailures *prometheus.CounterVec

	InsightsGenerated   *prometheus.CounterVec
	AlertsEmitted       *prometheus.CounterVec
	AlertsSuppressed    prometheus.Counter
	JudgmentDisagreed   prometheus.Counter
	RecommendationsMade *prometheus.CounterVec

	ScalingActions *prometheus.CounterVec
	PendingItems   prometheus.Gauge
	Backlog        prometheus.Gauge
}

// New registers and returns the metric set. namespace comes from config.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "knowd"
	}
	return &Metrics{
		JobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Periodic job invocations by job name.",
		}, []string{"job"}),
		JobFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_failures_total",
			Help: "Periodic job invocations that returned an error.",
		}, []string{"job"}),
		ItemsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_ingested_total",
			Help: "Items accepted by the ingestion API.",
		}),
		ItemsValidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_validated_total",
			Help: "Validation outcomes by resulting status.",
		}, []string{"status"}),
		ItemsEnriched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_enriched_total",
			Help: "Items that completed enrichment.",
		}),
		GatewayCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_calls_total",
			Help: "Inference gateway calls by operation.",
		}, []string{"op"}),
		GatewayFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_failures_total",
			Help: "Inference gateway failures by operation.",
		}, []string{"op"}),
		InsightsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "insights_generated_total",
			Help: "Stream insights created by kind.",
		}, []string{"kind"}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_emitted_total",
			Help: "Alerts created by urgency.",
		}, []string{"urgency"}),
		AlertsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_suppressed_total",
			Help: "Alert candidates dropped by the dedup guard.",
		}),
		JudgmentDisagreed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_judgment_disagreement_total",
			Help: "Significance evaluations where the boolean judgment and the score disagreed.",
		}),
		RecommendationsMade: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recommendations_made_total",
			Help: "Recommendations persisted by type.",
		}, []string{"type"}),
		ScalingActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scaling_actions_total",
			Help: "Scaling decisions by resource kind and action.",
		}, []string{"resource", "action"}),
		PendingItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_items",
			Help: "Staged items currently pending validation.",
		}),
		Backlog: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_backlog",
			Help: "Ledger rows waiting to be claimed.",
		}),
	}
}
