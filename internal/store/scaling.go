package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// WorkloadSample is one point-in-time snapshot of load metrics, append-only.
type WorkloadSample struct {
	ID             int64
	SampledAt      time.Time
	PendingItems   int
	ItemsPerMinute float64
	ErrorRate      float64
	AvgLatencyMS   float64
	Backlog        int
	Forecast       json.RawMessage
}

// InsertWorkloadSample appends one sample.
func (s *Store) InsertWorkloadSample(ctx context.Context, w WorkloadSample) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO workload_samples (pending_items, items_per_minute, error_rate, avg_latency_ms, backlog, forecast)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, w.PendingItems, w.ItemsPerMinute, w.ErrorRate, w.AvgLatencyMS, w.Backlog, defaultJSON(w.Forecast)).Scan(&id)
	return id, err
}

// LatestWorkloadSample returns the most recent sample.
func (s *Store) LatestWorkloadSample(ctx context.Context) (WorkloadSample, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, sampled_at, pending_items, items_per_minute, error_rate, avg_latency_ms, backlog, forecast
FROM workload_samples ORDER BY sampled_at DESC LIMIT 1
`)
	var w WorkloadSample
	if err := row.Scan(&w.ID, &w.SampledAt, &w.PendingItems, &w.ItemsPerMinute, &w.ErrorRate, &w.AvgLatencyMS, &w.Backlog, &w.Forecast); err != nil {
		if err == sql.ErrNoRows {
			return WorkloadSample{}, false, nil
		}
		return WorkloadSample{}, false, err
	}
	return w, true, nil
}

// RecentWorkloadSeries returns the load series oldest-first for forecasting.
func (s *Store) RecentWorkloadSeries(ctx context.Context, window time.Duration, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 288
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT items_per_minute FROM (
  SELECT items_per_minute, sampled_at FROM workload_samples
  WHERE sampled_at >= NOW() - $1::interval
  ORDER BY sampled_at DESC
  LIMIT $2
) sub ORDER BY sampled_at ASC
`, fmt.Sprintf("%f seconds", window.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ScalingPolicy is the per-resource-kind scaling state machine row.
// Invariant: MinCapacity <= CurrentCapacity <= MaxCapacity.
type ScalingPolicy struct {
	ResourceKind    string
	MinCapacity     int
	MaxCapacity     int
	CurrentCapacity int
	UpThreshold     float64
	DownThreshold   float64
	ScaleIncrement  int
	CooldownPeriod  time.Duration
	LastActionAt    *time.Time
	Version         int64
	UpdatedAt       time.Time
}

// SeedScalingPolicy inserts a policy if absent; existing rows keep their
// runtime state (current capacity, cooldown clock) and only thresholds are
// refreshed from config.
func (s *Store) SeedScalingPolicy(ctx context.Context, p ScalingPolicy) error {
	if p.DownThreshold >= p.UpThreshold {
		return fmt.Errorf("policy %s: down_threshold must be < up_threshold", p.ResourceKind)
	}
	if p.MinCapacity < 0 || p.MaxCapacity < p.MinCapacity {
		return fmt.Errorf("policy %s: require 0 <= min <= max", p.ResourceKind)
	}
	current := p.CurrentCapacity
	if current < p.MinCapacity {
		current = p.MinCapacity
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO scaling_policies (resource_kind, min_capacity, max_capacity, current_capacity,
  up_threshold, down_threshold, scale_increment, cooldown_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (resource_kind) DO UPDATE SET
  min_capacity=EXCLUDED.min_capacity,
  max_capacity=EXCLUDED.max_capacity,
  up_threshold=EXCLUDED.up_threshold,
  down_threshold=EXCLUDED.down_threshold,
  scale_increment=EXCLUDED.scale_increment,
  cooldown_seconds=EXCLUDED.cooldown_seconds,
  updated_at=NOW()
`, p.ResourceKind, p.MinCapacity, p.MaxCapacity, current,
		p.UpThreshold, p.DownThreshold, p.ScaleIncrement, int64(p.CooldownPeriod.Seconds()))
	return err
}

// ListScalingPolicies returns all policies.
func (s *Store) ListScalingPolicies(ctx context.Context) ([]ScalingPolicy, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT resource_kind, min_capacity, max_capacity, current_capacity,
       up_threshold, down_threshold, scale_increment, cooldown_seconds, last_action_at, version, updated_at
FROM scaling_policies ORDER BY resource_kind
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScalingPolicy
	for rows.Next() {
		p, err := scanScalingPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScalingPolicy(row rowScanner) (ScalingPolicy, error) {
	var p ScalingPolicy
	var cooldownSec int64
	var lastAction sql.NullTime
	if err := row.Scan(&p.ResourceKind, &p.MinCapacity, &p.MaxCapacity, &p.CurrentCapacity,
		&p.UpThreshold, &p.DownThreshold, &p.ScaleIncrement, &cooldownSec, &lastAction, &p.Version, &p.UpdatedAt); err != nil {
		return ScalingPolicy{}, err
	}
	p.CooldownPeriod = time.Duration(cooldownSec) * time.Second
	if lastAction.Valid {
		t := lastAction.Time
		p.LastActionAt = &t
	}
	return p, nil
}

// ApplyScalingAction commits an executed decision under optimistic
// concurrency: the version check makes the policy single-writer per row.
// The capacity clamp enforces min <= current <= max no matter what the
// caller computed.
func (s *Store) ApplyScalingAction(ctx context.Context, resourceKind string, newCapacity int, version int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE scaling_policies
SET current_capacity = LEAST(max_capacity, GREATEST(min_capacity, $2)),
    last_action_at = NOW(), version = version + 1, updated_at = NOW()
WHERE resource_kind=$1 AND version=$3
`, resourceKind, newCapacity, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ScalingEvent is one audit entry for a scaling decision.
type ScalingEvent struct {
	ID           int64
	ResourceKind string
	Action       string // scale_up, scale_down, consider
	FromCapacity int
	ToCapacity   int
	CurrentLoad  float64
	ForecastLoad sql.NullFloat64
	ROI          sql.NullFloat64
	Reason       string
	CreatedAt    time.Time
}

// InsertScalingEvent appends one audit entry.
func (s *Store) InsertScalingEvent(ctx context.Context, e ScalingEvent) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO scaling_events (resource_kind, action, from_capacity, to_capacity, current_load, forecast_load, roi, reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, e.ResourceKind, e.Action, e.FromCapacity, e.ToCapacity, e.CurrentLoad, e.ForecastLoad, e.ROI, e.Reason)
	return err
}

// PerformanceBaseline is the rolling statistical reference per
// (component, metric); replaced each refresh cycle, never appended.
type PerformanceBaseline struct {
	Component   string
	Metric      string
	Mean        float64
	P10         float64
	P90         float64
	SampleCount int
	WindowDays  int
	ComputedAt  time.Time
}

// ReplaceBaseline overwrites the rolling baseline for one (component,
// metric) pair.
func (s *Store) ReplaceBaseline(ctx context.Context, b PerformanceBaseline) error {
	if b.Component == "" || b.Metric == "" {
		return fmt.Errorf("component and metric required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO performance_baselines (component, metric, mean, p10, p90, sample_count, window_days, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (component, metric) DO UPDATE SET
  mean=EXCLUDED.mean, p10=EXCLUDED.p10, p90=EXCLUDED.p90,
  sample_count=EXCLUDED.sample_count, window_days=EXCLUDED.window_days, computed_at=NOW()
`, b.Component, b.Metric, b.Mean, b.P10, b.P90, b.SampleCount, b.WindowDays)
	return err
}

// GetBaseline fetches the baseline for one (component, metric).
func (s *Store) GetBaseline(ctx context.Context, component, metric string) (PerformanceBaseline, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT component, metric, mean, p10, p90, sample_count, window_days, computed_at
FROM performance_baselines WHERE component=$1 AND metric=$2
`, component, metric)
	var b PerformanceBaseline
	if err := row.Scan(&b.Component, &b.Metric, &b.Mean, &b.P10, &b.P90, &b.SampleCount, &b.WindowDays, &b.ComputedAt); err != nil {
		if err == sql.ErrNoRows {
			return PerformanceBaseline{}, false, nil
		}
		return PerformanceBaseline{}, false, err
	}
	return b, true, nil
}

// ListBaselines returns all current baselines.
func (s *Store) ListBaselines(ctx context.Context) ([]PerformanceBaseline, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT component, metric, mean, p10, p90, sample_count, window_days, computed_at
FROM performance_baselines ORDER BY component, metric
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PerformanceBaseline
	for rows.Next() {
		var b PerformanceBaseline
		if err := rows.Scan(&b.Component, &b.Metric, &b.Mean, &b.P10, &b.P90, &b.SampleCount, &b.WindowDays, &b.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MetricWindowValues returns raw metric values for one (component, metric)
// inside the trailing window, for baseline recomputation.
func (s *Store) MetricWindowValues(ctx context.Context, component, metric string, windowDays int) ([]float64, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT value FROM component_metrics
WHERE component=$1 AND metric=$2 AND recorded_at >= NOW() - ($3 || ' days')::interval
ORDER BY recorded_at ASC
`, component, metric, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecordComponentMetric appends one raw observation feeding the baselines.
func (s *Store) RecordComponentMetric(ctx context.Context, component, metric string, value float64) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO component_metrics (component, metric, value) VALUES ($1,$2,$3)
`, component, metric, value)
	return err
}
