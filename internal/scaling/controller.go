package scaling

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// Scaling actions recorded in the audit log.
const (
	ActionScaleUp   = "scale_up"
	ActionScaleDown = "scale_down"
	ActionMaintain  = "maintain"
	ActionConsider  = "consider"
)

// Decision is one evaluated outcome for a policy, before execution.
type Decision struct {
	Action string
	Target int
	Reason string
	ROI    sql.NullFloat64
}

// Controller evaluates scaling policies against the latest workload sample
// and executes decisions under cooldown, ROI and capacity-bound gates.
type Controller struct {
	store   *store.Store
	cfg     config.ScalingConfig
	metrics *telemetry.Metrics
	log     *log.Logger
}

// NewController builds a Controller.
func NewController(st *store.Store, cfg config.ScalingConfig, m *telemetry.Metrics, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCALER] ", log.LstdFlags)
	}
	return &Controller{store: st, cfg: cfg.Normalize(), metrics: m, log: logger}
}

// SeedPolicies writes configured policies into the store, refreshing
// thresholds without touching runtime state.
func (c *Controller) SeedPolicies(ctx context.Context) error {
	for _, p := range c.cfg.Policies {
		err := c.store.SeedScalingPolicy(ctx, store.ScalingPolicy{
			ResourceKind:   p.ResourceKind,
			MinCapacity:    p.MinCapacity,
			MaxCapacity:    p.MaxCapacity,
			UpThreshold:    p.UpThreshold,
			DownThreshold:  p.DownThreshold,
			ScaleIncrement: p.ScaleIncrement,
			CooldownPeriod: p.CooldownPeriod,
		})
		if err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ResourceKind, err)
		}
	}
	return nil
}

// Run evaluates every policy against the latest workload sample. Without a
// sample there is nothing to decide on.
func (c *Controller) Run(ctx context.Context) error {
	sample, ok, err := c.store.LatestWorkloadSample(ctx)
	if err != nil {
		return fmt.Errorf("latest workload sample: %w", err)
	}
	if !ok {
		return nil
	}

	policies, err := c.store.ListScalingPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}

	now := time.Now().UTC()
	forecastPeak, hasForecast := forecastPeakLoad(sample, now, c.cfg.ForecastMaxAge)

	for _, p := range policies {
		d := c.Decide(p, sample.ItemsPerMinute, forecastPeak, hasForecast, now)
		if err := c.execute(ctx, p, sample, d, forecastPeak, hasForecast); err != nil {
			c.log.Printf("execute %s for %s: %v", d.Action, p.ResourceKind, err)
		}
	}
	return nil
}

// Decide computes the action for one policy. load and forecastPeak are in
// items per minute; utilization per capacity unit is compared against the
// policy thresholds. Boundary cases: cooldown blocks execution, below-min
// ROI turns a scale-up into a logged consideration.
func (c *Controller) Decide(p store.ScalingPolicy, load, forecastPeak float64, hasForecast bool, now time.Time) Decision {
	current := utilization(load, p.CurrentCapacity)
	up, down := p.UpThreshold, p.DownThreshold
	var forecast float64
	if hasForecast {
		forecast = utilization(forecastPeak, p.CurrentCapacity)
	} else {
		// forecast missing or stale: fall back to current-only thresholds
		// with widened hysteresis so the controller reacts less eagerly.
		up = up * (1 + c.cfg.FallbackHysteresis)
		down = down * (1 - c.cfg.FallbackHysteresis)
	}

	switch {
	case current > up || (hasForecast && forecast > up):
		return c.decideUp(p, current, up, now)
	case current < down && (!hasForecast || forecast < down):
		return c.decideDown(p, now)
	default:
		return Decision{Action: ActionMaintain, Target: p.CurrentCapacity, Reason: "load within thresholds"}
	}
}

func (c *Controller) decideUp(p store.ScalingPolicy, current, up float64, now time.Time) Decision {
	target := clampCapacity(p, p.CurrentCapacity+p.ScaleIncrement)
	if target == p.CurrentCapacity {
		return Decision{Action: ActionMaintain, Target: target, Reason: "already at max capacity"}
	}
	if blocked, remaining := cooldownActive(p, now); blocked {
		return Decision{Action: ActionMaintain, Target: p.CurrentCapacity,
			Reason: fmt.Sprintf("cooldown active, %s remaining", remaining.Round(time.Second))}
	}

	roi := scaleUpROI(p, current, up)
	d := Decision{Target: target, ROI: sql.NullFloat64{Float64: roi, Valid: true}}
	if roi < c.cfg.MinROI {
		d.Action = ActionConsider
		d.Target = p.CurrentCapacity
		d.Reason = fmt.Sprintf("roi %.2f below minimum %.2f", roi, c.cfg.MinROI)
		return d
	}
	d.Action = ActionScaleUp
	d.Reason = fmt.Sprintf("utilization %.2f above threshold %.2f", current, up)
	return d
}

func (c *Controller) decideDown(p store.ScalingPolicy, now time.Time) Decision {
	target := clampCapacity(p, p.CurrentCapacity-p.ScaleIncrement)
	if target == p.CurrentCapacity {
		return Decision{Action: ActionMaintain, Target: target, Reason: "already at min capacity"}
	}
	if blocked, remaining := cooldownActive(p, now); blocked {
		return Decision{Action: ActionMaintain, Target: p.CurrentCapacity,
			Reason: fmt.Sprintf("cooldown active, %s remaining", remaining.Round(time.Second))}
	}
	return Decision{Action: ActionScaleDown, Target: target, Reason: "utilization below threshold"}
}

func (c *Controller) execute(ctx context.Context, p store.ScalingPolicy, sample store.WorkloadSample, d Decision, forecastPeak float64, hasForecast bool) error {
	if d.Action == ActionMaintain {
		// nothing changed; persistent conditions (cooldown, at-bounds)
		// would otherwise append an audit row every cycle
		return nil
	}

	applied := false
	if d.Action == ActionScaleUp || d.Action == ActionScaleDown {
		ok, err := c.store.ApplyScalingAction(ctx, p.ResourceKind, d.Target, p.Version)
		if err != nil {
			return err
		}
		if !ok {
			// another replica already acted on this policy version
			c.log.Printf("policy %s version %d is stale, skipping", p.ResourceKind, p.Version)
			return nil
		}
		applied = true
	}

	event := store.ScalingEvent{
		ResourceKind: p.ResourceKind,
		Action:       d.Action,
		FromCapacity: p.CurrentCapacity,
		ToCapacity:   d.Target,
		CurrentLoad:  sample.ItemsPerMinute,
		ROI:          d.ROI,
		Reason:       d.Reason,
	}
	if hasForecast {
		event.ForecastLoad = sql.NullFloat64{Float64: forecastPeak, Valid: true}
	}
	if err := c.store.InsertScalingEvent(ctx, event); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ScalingActions.WithLabelValues(p.ResourceKind, d.Action).Inc()
	}
	if applied {
		c.log.Printf("%s %s: %d -> %d (%s)", d.Action, p.ResourceKind, p.CurrentCapacity, d.Target, d.Reason)
	}
	return nil
}

// utilization is load per capacity unit; zero capacity under load reads as
// saturated.
func utilization(load float64, capacity int) float64 {
	if capacity <= 0 {
		if load > 0 {
			return 1e9
		}
		return 0
	}
	return load / float64(capacity)
}

func clampCapacity(p store.ScalingPolicy, target int) int {
	if target > p.MaxCapacity {
		return p.MaxCapacity
	}
	if target < p.MinCapacity {
		return p.MinCapacity
	}
	return target
}

func cooldownActive(p store.ScalingPolicy, now time.Time) (bool, time.Duration) {
	if p.LastActionAt == nil {
		return false, 0
	}
	elapsed := now.Sub(*p.LastActionAt)
	if elapsed >= p.CooldownPeriod {
		return false, 0
	}
	return true, p.CooldownPeriod - elapsed
}

// scaleUpROI relates the expected relative performance benefit to the
// relative cost increase of adding one increment.
func scaleUpROI(p store.ScalingPolicy, current, up float64) float64 {
	if up <= 0 || p.CurrentCapacity <= 0 {
		return 0
	}
	benefit := (current - up) / up
	costDelta := float64(p.ScaleIncrement) / float64(p.CurrentCapacity)
	if costDelta <= 0 {
		return 0
	}
	return benefit / costDelta
}

// forecastPeakLoad extracts the peak forecast value from a sample, if the
// sample is fresh enough to trust.
func forecastPeakLoad(sample store.WorkloadSample, now time.Time, maxAge time.Duration) (float64, bool) {
	if now.Sub(sample.SampledAt) > maxAge {
		return 0, false
	}
	var points []provider.ForecastPoint
	if len(sample.Forecast) == 0 {
		return 0, false
	}
	if err := json.Unmarshal(sample.Forecast, &points); err != nil || len(points) == 0 {
		return 0, false
	}
	peak := points[0].Value
	for _, pt := range points[1:] {
		if pt.Value > peak {
			peak = pt.Value
		}
	}
	return peak, true
}
