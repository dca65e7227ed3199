package scaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// seriesWindow is how much workload history feeds the forecaster.
const seriesWindow = 24 * time.Hour

// minSeriesLen gates forecasting until enough history exists.
const minSeriesLen = 12

// AnomalyDetector is the slice of the alert evaluator the monitor uses to
// watch the workload series itself.
type AnomalyDetector interface {
	DetectAnomaly(ctx context.Context, series []float64, situation string) (bool, float64, error)
}

// Ingestor feeds anomaly findings back into the pipeline as regular items,
// so they flow through the normal insight and alert path with its dedup.
type Ingestor interface {
	Ingest(ctx context.Context, source string, payload json.RawMessage, priority int) (string, error)
}

// Monitor samples pipeline workload, attaches a forecast and records the
// raw metrics that feed the performance baselines.
type Monitor struct {
	store    *store.Store
	gateway  provider.Gateway
	detector AnomalyDetector
	ingestor Ingestor
	cfg      config.ScalingConfig
	metrics  *telemetry.Metrics
	log      *log.Logger
}

// NewMonitor builds a Monitor. detector and ingestor are optional.
func NewMonitor(st *store.Store, gw provider.Gateway, det AnomalyDetector, ing Ingestor, cfg config.ScalingConfig, m *telemetry.Metrics, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(log.Writer(), "[MONITOR] ", log.LstdFlags)
	}
	return &Monitor{store: st, gateway: gw, detector: det, ingestor: ing, cfg: cfg.Normalize(), metrics: m, log: logger}
}

// Run records one workload sample. Forecast failures degrade the sample to
// current-load-only; they never block sampling.
func (m *Monitor) Run(ctx context.Context) error {
	health, err := m.store.GetPipelineHealth(ctx)
	if err != nil {
		return fmt.Errorf("pipeline health: %w", err)
	}

	sample := store.WorkloadSample{
		PendingItems:   health.Pending,
		ItemsPerMinute: health.Throughput,
		ErrorRate:      health.ErrorRate,
		AvgLatencyMS:   health.AvgLatencyMS,
		Backlog:        health.Backlog,
	}

	series, err := m.store.RecentWorkloadSeries(ctx, seriesWindow, 288)
	if err != nil {
		return fmt.Errorf("workload series: %w", err)
	}
	if len(series) >= minSeriesLen {
		if m.metrics != nil {
			m.metrics.GatewayCalls.WithLabelValues("forecast").Inc()
		}
		points, err := m.gateway.Forecast(ctx, series, m.cfg.ForecastHorizon, m.cfg.ForecastConfidence)
		if err != nil {
			if m.metrics != nil {
				m.metrics.GatewayFailures.WithLabelValues("forecast").Inc()
			}
			if !errors.Is(err, provider.ErrUnavailable) {
				m.log.Printf("forecast: %v", err)
			}
		} else if len(points) > 0 {
			if raw, err := json.Marshal(points); err == nil {
				sample.Forecast = raw
			}
		}
	}

	if _, err := m.store.InsertWorkloadSample(ctx, sample); err != nil {
		return fmt.Errorf("insert workload sample: %w", err)
	}
	if m.metrics != nil {
		m.metrics.PendingItems.Set(float64(health.Pending))
		m.metrics.Backlog.Set(float64(health.Backlog))
	}

	for metric, value := range map[string]float64{
		"avg_latency_ms": health.AvgLatencyMS,
		"error_rate":     health.ErrorRate,
		"backlog":        float64(health.Backlog),
	} {
		if err := m.store.RecordComponentMetric(ctx, "pipeline", metric, value); err != nil {
			m.log.Printf("record metric %s: %v", metric, err)
		}
	}

	m.checkAnomaly(ctx, series, health)
	return nil
}

// checkAnomaly watches the workload series and stages a synthetic metric
// item when it looks anomalous. Alert dedup downstream keeps repeated
// detections from spamming.
func (m *Monitor) checkAnomaly(ctx context.Context, series []float64, health store.PipelineHealth) {
	if m.detector == nil || m.ingestor == nil || len(series) < minSeriesLen {
		return
	}
	anomalous, score, err := m.detector.DetectAnomaly(ctx, series, "pipeline throughput, items per minute, sampled every cycle")
	if err != nil {
		if !errors.Is(err, provider.ErrUnavailable) {
			m.log.Printf("anomaly check: %v", err)
		}
		return
	}
	if !anomalous {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"metric":        "items_per_minute",
		"value":         health.Throughput,
		"anomaly_score": score,
		"backlog":       health.Backlog,
		"error_rate":    health.ErrorRate,
	})
	if err != nil {
		return
	}
	if _, err := m.ingestor.Ingest(ctx, "workload-monitor", payload, 8); err != nil {
		m.log.Printf("stage anomaly item: %v", err)
	}
}
