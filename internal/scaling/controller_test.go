package scaling

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
)

func testPolicy() store.ScalingPolicy {
	return store.ScalingPolicy{
		ResourceKind:    "pipeline-workers",
		MinCapacity:     1,
		MaxCapacity:     20,
		CurrentCapacity: 10,
		UpThreshold:     10,
		DownThreshold:   2,
		ScaleIncrement:  1,
		CooldownPeriod:  10 * time.Minute,
	}
}

func testController() *Controller {
	return NewController(nil, config.ScalingConfig{MinROI: 1.0, FallbackHysteresis: 0.1}, nil, nil)
}

func TestDecideScaleUpWithGoodROI(t *testing.T) {
	c := testController()
	p := testPolicy()
	// utilization 15 against threshold 10; benefit 0.5, cost delta 0.1, roi 5
	d := c.Decide(p, 150, 150, true, time.Now())
	if d.Action != ActionScaleUp {
		t.Fatalf("action = %s, want scale_up (%s)", d.Action, d.Reason)
	}
	if d.Target != 11 {
		t.Errorf("target = %d, want 11", d.Target)
	}
	if !d.ROI.Valid || d.ROI.Float64 < 1.0 {
		t.Errorf("roi = %+v, want >= 1.0", d.ROI)
	}
}

func TestDecideROIGateTurnsScaleUpIntoConsideration(t *testing.T) {
	c := testController()
	p := testPolicy()
	p.CurrentCapacity = 4
	p.ScaleIncrement = 2
	// utilization 12 against threshold 10; benefit 0.2, cost delta 0.5, roi 0.4
	d := c.Decide(p, 48, 48, true, time.Now())
	if d.Action != ActionConsider {
		t.Fatalf("action = %s, want consider (%s)", d.Action, d.Reason)
	}
	if d.Target != p.CurrentCapacity {
		t.Errorf("considered decision must not change capacity, target = %d", d.Target)
	}
}

func TestDecideCooldownBlocksExecution(t *testing.T) {
	c := testController()
	p := testPolicy()
	last := time.Now().Add(-5 * time.Minute)
	p.LastActionAt = &last
	d := c.Decide(p, 150, 150, true, time.Now())
	if d.Action != ActionMaintain {
		t.Fatalf("action = %s, want maintain during cooldown", d.Action)
	}
	if d.Target != p.CurrentCapacity {
		t.Errorf("cooldown decision must hold capacity, target = %d", d.Target)
	}

	// same load just past the cooldown horizon executes
	expired := time.Now().Add(-10*time.Minute - time.Second)
	p.LastActionAt = &expired
	if d := c.Decide(p, 150, 150, true, time.Now()); d.Action != ActionScaleUp {
		t.Fatalf("action after cooldown = %s, want scale_up", d.Action)
	}
}

func TestDecideClampsToCapacityBounds(t *testing.T) {
	c := testController()
	p := testPolicy()
	p.CurrentCapacity = p.MaxCapacity
	if d := c.Decide(p, 1000, 1000, true, time.Now()); d.Action != ActionMaintain {
		t.Errorf("at max capacity action = %s, want maintain", d.Action)
	}

	p = testPolicy()
	p.CurrentCapacity = p.MinCapacity
	if d := c.Decide(p, 0, 0, true, time.Now()); d.Action != ActionMaintain {
		t.Errorf("at min capacity action = %s, want maintain", d.Action)
	}
}

func TestDecideScaleDown(t *testing.T) {
	c := testController()
	p := testPolicy()
	// utilization 1 below down threshold 2, forecast agrees
	d := c.Decide(p, 10, 10, true, time.Now())
	if d.Action != ActionScaleDown {
		t.Fatalf("action = %s, want scale_down (%s)", d.Action, d.Reason)
	}
	if d.Target != 9 {
		t.Errorf("target = %d, want 9", d.Target)
	}
}

func TestExecuteAuditsOnlyActionableDecisions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	c := NewController(&store.Store{DB: db}, config.ScalingConfig{MinROI: 1.0}, nil, nil)
	p := testPolicy()
	sample := store.WorkloadSample{ItemsPerMinute: 150}

	// maintain decisions write nothing, however often the condition repeats
	hold := Decision{Action: ActionMaintain, Target: p.CurrentCapacity, Reason: "cooldown active, 5m0s remaining"}
	for i := 0; i < 3; i++ {
		if err := c.execute(context.Background(), p, sample, hold, 0, false); err != nil {
			t.Fatalf("execute maintain: %v", err)
		}
	}

	// a rejected scale-up is a real decision and lands in the audit log
	mock.ExpectExec(`INSERT INTO scaling_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	consider := Decision{Action: ActionConsider, Target: p.CurrentCapacity, Reason: "roi 0.40 below minimum 1.00"}
	if err := c.execute(context.Background(), p, sample, consider, 0, false); err != nil {
		t.Fatalf("execute consider: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecideFallbackWidensHysteresis(t *testing.T) {
	c := testController()
	p := testPolicy()
	// utilization 10.5 is above the plain threshold but inside the widened
	// band (10 * 1.1 = 11), so without a forecast the controller holds.
	if d := c.Decide(p, 105, 0, false, time.Now()); d.Action != ActionMaintain {
		t.Fatalf("fallback action = %s, want maintain", d.Action)
	}
	// with a fresh forecast the plain threshold applies
	if d := c.Decide(p, 105, 105, true, time.Now()); d.Action != ActionScaleUp {
		t.Fatalf("forecast action = %s, want scale_up", d.Action)
	}
}
