package scaling

import (
	"testing"

	"github.com/knowd-platform/knowd/internal/store"
)

func TestClassifyRegressionThresholds(t *testing.T) {
	baseline := store.PerformanceBaseline{
		Component: "pipeline", Metric: "avg_latency_ms",
		Mean: 1000, P10: 800, P90: 1200, SampleCount: 100, WindowDays: 7,
	}
	cases := []struct {
		value     float64
		detected  bool
		severity  string
		recommend string
	}{
		{2100, true, SeveritySevere, RecommendImmediateOpt},
		{1600, true, SeverityModerate, RecommendScheduleOpt},
		{1250, true, SeverityMinor, RecommendMonitor},
		{1100, false, SeverityNone, RecommendNone},
		{1200, false, SeverityNone, RecommendNone}, // at p90, not above it
	}
	for _, tc := range cases {
		got := classify(baseline, tc.value, 1.5, 2.0)
		if got.Detected != tc.detected || got.Severity != tc.severity || got.Recommendation != tc.recommend {
			t.Errorf("classify(%v) = %+v, want detected=%v severity=%s recommend=%s",
				tc.value, got, tc.detected, tc.severity, tc.recommend)
		}
	}
}

func TestComputeStats(t *testing.T) {
	values := make([]float64, 0, 11)
	for v := 0.0; v <= 100; v += 10 {
		values = append(values, v)
	}
	mean, p10, p90 := computeStats(values)
	if mean != 50 {
		t.Errorf("mean = %v, want 50", mean)
	}
	if p10 != 10 {
		t.Errorf("p10 = %v, want 10", p10)
	}
	if p90 != 90 {
		t.Errorf("p90 = %v, want 90", p90)
	}
}

func TestComputeStatsSingleValue(t *testing.T) {
	mean, p10, p90 := computeStats([]float64{42})
	if mean != 42 || p10 != 42 || p90 != 42 {
		t.Errorf("single value stats = %v/%v/%v, want all 42", mean, p10, p90)
	}
}
