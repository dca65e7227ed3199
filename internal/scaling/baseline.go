package scaling

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
)

// Regression severities and follow-up recommendations.
const (
	SeverityNone     = "none"
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"

	RecommendNone          = "none"
	RecommendMonitor       = "monitor"
	RecommendScheduleOpt   = "schedule_optimization"
	RecommendImmediateOpt  = "immediate_optimization"
	minBaselineSampleCount = 10
)

// metric pairs the detector keeps baselines for; the monitor records raw
// observations under the same names.
var trackedMetrics = []struct{ Component, Metric string }{
	{"pipeline", "avg_latency_ms"},
	{"pipeline", "error_rate"},
	{"pipeline", "backlog"},
}

// Regression is the outcome of checking one observation against its
// baseline.
type Regression struct {
	Detected       bool
	Severity       string
	Recommendation string
	BaselineMean   float64
	BaselineP90    float64
}

// Detector maintains rolling per-(component, metric) baselines and grades
// new observations against them.
type Detector struct {
	store *store.Store
	cfg   config.BaselineConfig
	log   *log.Logger
}

// NewDetector builds a Detector.
func NewDetector(st *store.Store, cfg config.BaselineConfig, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[BASELINE] ", log.LstdFlags)
	}
	return &Detector{store: st, cfg: cfg.Normalize(), log: logger}
}

// Run recomputes every tracked baseline from the trailing window,
// replacing the previous cycle's values.
func (d *Detector) Run(ctx context.Context) error {
	for _, tm := range trackedMetrics {
		values, err := d.store.MetricWindowValues(ctx, tm.Component, tm.Metric, d.cfg.WindowDays)
		if err != nil {
			return fmt.Errorf("load window for %s/%s: %w", tm.Component, tm.Metric, err)
		}
		if len(values) == 0 {
			continue
		}
		mean, p10, p90 := computeStats(values)
		b := store.PerformanceBaseline{
			Component:   tm.Component,
			Metric:      tm.Metric,
			Mean:        mean,
			P10:         p10,
			P90:         p90,
			SampleCount: len(values),
			WindowDays:  d.cfg.WindowDays,
		}
		if err := d.store.ReplaceBaseline(ctx, b); err != nil {
			return fmt.Errorf("replace baseline %s/%s: %w", tm.Component, tm.Metric, err)
		}
	}
	return nil
}

// DetectRegression grades one observation against its stored baseline.
// Missing or thin baselines never flag.
func (d *Detector) DetectRegression(ctx context.Context, component, metric string, value float64) (Regression, error) {
	b, ok, err := d.store.GetBaseline(ctx, component, metric)
	if err != nil {
		return Regression{}, err
	}
	if !ok || b.SampleCount < minBaselineSampleCount {
		return Regression{Severity: SeverityNone, Recommendation: RecommendNone}, nil
	}
	return classify(b, value, d.cfg.ModerateRatio, d.cfg.SevereRatio), nil
}

// classify applies the p90 gate first, then severity by multiples of the
// baseline mean.
func classify(b store.PerformanceBaseline, value, moderateRatio, severeRatio float64) Regression {
	out := Regression{
		Severity:       SeverityNone,
		Recommendation: RecommendNone,
		BaselineMean:   b.Mean,
		BaselineP90:    b.P90,
	}
	if value <= b.P90 {
		return out
	}
	out.Detected = true
	switch {
	case value > severeRatio*b.Mean:
		out.Severity = SeveritySevere
		out.Recommendation = RecommendImmediateOpt
	case value > moderateRatio*b.Mean:
		out.Severity = SeverityModerate
		out.Recommendation = RecommendScheduleOpt
	default:
		out.Severity = SeverityMinor
		out.Recommendation = RecommendMonitor
	}
	return out
}

// computeStats returns mean and the [p10, p90] band using linear
// interpolation between order statistics.
func computeStats(values []float64) (mean, p10, p90 float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(len(sorted))
	p10 = percentile(sorted, 0.10)
	p90 = percentile(sorted, 0.90)
	return mean, p10, p90
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
