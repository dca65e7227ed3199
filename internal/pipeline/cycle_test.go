package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/insight"
	"github.com/knowd-platform/knowd/internal/queue/streams"
	"github.com/knowd-platform/knowd/internal/recommend"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/provider"
)

type capturePublisher struct {
	events []itemValidatedEvent
}

func (c *capturePublisher) PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error) {
	if ev, ok := payload.(itemValidatedEvent); ok {
		c.events = append(c.events, ev)
	}
	return "1-1", nil
}

type captureSink struct {
	alerts []store.Alert
}

func (c *captureSink) AlertCreated(ctx context.Context, a store.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

// cycleGateway routes every prompt deterministically so one item can be
// driven through the whole chain.
func cycleGateway() *provider.StubGateway {
	return &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			switch {
			case strings.Contains(prompt, "You validate"):
				return `{"is_valid": true, "score": 0.92, "issues": [], "fixes": []}`, nil
			case strings.Contains(prompt, "You enrich"):
				return `{"summary": "Acme reports a major payment outage", "entities": ["Acme"], "categories": ["operations"]}`, nil
			case strings.Contains(prompt, "You analyze"):
				return `{"kind": "predictive", "content": "payment outages are accelerating", "confidence": 0.9, "recommendation": "page the payments on-call"}`, nil
			case strings.Contains(prompt, "Write an alert"):
				return `{"message": "Payment outage trend detected", "personalized_message": "Your payment flows are at risk now.", "recommended_action": "page the payments on-call"}`, nil
			case strings.Contains(prompt, "You advise"):
				return `{"recommendations": [
					{"type": "action_item", "content": "page the payments on-call", "priority": 0.9, "confidence": 0.8, "evidence": ["outage trend"]},
					{"type": "information", "content": "acme outages clustered on mondays", "priority": 0.4, "confidence": 0.7, "evidence": []},
					{"type": "decision_support", "content": "evaluate a secondary payment provider", "priority": 0.6, "confidence": 0.6, "evidence": []}]}`, nil
			}
			return "", fmt.Errorf("unrouted prompt")
		},
		GenerateBoolFn:  func(ctx context.Context, prompt string) (bool, error) { return true, nil },
		GenerateFloatFn: func(ctx context.Context, prompt string) (float64, error) { return 0.82, nil },
	}
}

// One high-priority item travels the full chain: staged -> valid ->
// critical insight -> exactly one alert (the second evaluation pass hits
// the dedup guard) -> three recommendations for an active user.
func TestCycleItemToAlertToRecommendations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}

	gw := cycleGateway()
	pub := &capturePublisher{}
	sink := &captureSink{}

	proc := NewProcessor(st, gw, pub, config.PipelineConfig{}, nil, nil)
	generator := insight.NewGenerator(st, gw, config.InsightConfig{}, 10*time.Minute, nil, nil)
	evaluator := insight.NewEvaluator(st, gw, config.AlertConfig{}, sink, nil, nil)
	engine := recommend.NewEngine(st, gw, config.RecommendConfig{}, nil, nil)

	ctx := context.Background()
	now := time.Now()
	payload := []byte(`{"text": "major payment outage at acme"}`)
	enriched := "Acme reports a major payment outage"
	cats := []byte(`{operations}`)

	// ingest
	mock.ExpectQuery(`INSERT INTO staged_items`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("item-1"))
	mock.ExpectExec(`INSERT INTO processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := proc.Ingest(ctx, "payments", json.RawMessage(payload), 9)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if id != "item-1" {
		t.Fatalf("item id = %s", id)
	}

	// pipeline cycle: validate
	mock.ExpectQuery(`WHERE status='pending'`).
		WillReturnRows(sqlmock.NewRows(pendingItemCols).
			AddRow("item-1", "payments", "document", 9, store.ItemStatusPending, payload, nil, now))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE staged_items SET status='valid'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 4; i++ {
		mock.ExpectExec(`INSERT INTO processing_tasks`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// enrich
	mock.ExpectQuery(`JOIN processing_tasks`).
		WillReturnRows(sqlmock.NewRows(stageItemCols).
			AddRow("item-1", "payments", "document", 9, store.ItemStatusValid, payload, 0.92, "", []byte(`{}`), now))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE staged_items SET content`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// embed
	mock.ExpectQuery(`JOIN processing_tasks`).
		WillReturnRows(sqlmock.NewRows(stageItemCols).
			AddRow("item-1", "payments", "document", 9, store.ItemStatusValid, payload, 0.92, enriched, cats, now))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE staged_items SET embedding`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// distribute
	mock.ExpectQuery(`JOIN processing_tasks`).
		WillReturnRows(sqlmock.NewRows(stageItemCols).
			AddRow("item-1", "payments", "document", 9, store.ItemStatusValid, payload, 0.92, enriched, cats, now))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := proc.Run(ctx); err != nil {
		t.Fatalf("processor Run: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published events = %d, want 1", len(pub.events))
	}
	if got := pub.events[0].Categories; len(got) != 1 || got[0] != "operations" {
		t.Errorf("published categories = %v, want [operations]", got)
	}

	// insight generation
	mock.ExpectQuery(`JOIN processing_tasks`).
		WillReturnRows(sqlmock.NewRows(stageItemCols).
			AddRow("item-1", "payments", "document", 9, store.ItemStatusValid, payload, 0.92, enriched, cats, now))
	mock.ExpectQuery(`enriched_at IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source", "kind", "priority", "status", "payload", "content", "ingested_at"}).
			AddRow("h-1", "payments", "document", 5, store.ItemStatusValid, []byte(`{}`), "previous outage last week", now))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO stream_insights`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("insight-1"))
	mock.ExpectQuery(`INSERT INTO stream_insights`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("insight-2"))
	mock.ExpectExec(`UPDATE processing_tasks SET status='completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := generator.Run(ctx); err != nil {
		t.Fatalf("generator Run: %v", err)
	}

	candidateCols := []string{"id", "source_item_id", "kind", "content", "confidence", "urgency", "expires_at", "created_at"}

	// first evaluation pass creates the alert
	mock.ExpectQuery(`LEFT JOIN alerts`).
		WillReturnRows(sqlmock.NewRows(candidateCols).
			AddRow("insight-1", "item-1", store.InsightKindPredictive, "payment outages are accelerating", 0.9, store.UrgencyCritical, now.Add(24*time.Hour), now))
	mock.ExpectQuery(`INSERT INTO alerts`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("alert-1"))

	if err := evaluator.Run(ctx); err != nil {
		t.Fatalf("evaluator Run: %v", err)
	}

	// second pass over the same insight hits the unique-constraint guard
	mock.ExpectQuery(`LEFT JOIN alerts`).
		WillReturnRows(sqlmock.NewRows(candidateCols).
			AddRow("insight-1", "item-1", store.InsightKindPredictive, "payment outages are accelerating", 0.9, store.UrgencyCritical, now.Add(24*time.Hour), now))
	mock.ExpectQuery(`INSERT INTO alerts`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if err := evaluator.Run(ctx); err != nil {
		t.Fatalf("evaluator second Run: %v", err)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts delivered = %d, want exactly 1", len(sink.alerts))
	}
	if sink.alerts[0].Urgency != store.UrgencyCritical {
		t.Errorf("alert urgency = %s, want critical at score 0.82", sink.alerts[0].Urgency)
	}
	if sink.alerts[0].SignificanceScore != 0.82 {
		t.Errorf("significance = %v, want 0.82", sink.alerts[0].SignificanceScore)
	}

	// recommendations for the active user
	mock.ExpectQuery(`FROM active_user_contexts`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "context", "refreshed_at"}).
			AddRow("user-7", []byte(`{"role": "ops lead"}`), now))
	mock.ExpectQuery(`embedding IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "categories", "distance", "ingested_at"}).
			AddRow("item-1", enriched, cats, 0.12, now))
	for i := 1; i <= 3; i++ {
		mock.ExpectQuery(`INSERT INTO recommendations`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fmt.Sprintf("rec-%d", i)))
	}

	if err := engine.Run(ctx); err != nil {
		t.Fatalf("engine Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
