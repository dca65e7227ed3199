package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/provider"
)

var pendingItemCols = []string{"id", "source", "kind", "priority", "status", "payload", "validation_score", "ingested_at"}

var stageItemCols = []string{"id", "source", "kind", "priority", "status", "payload", "validation_score", "content", "categories", "ingested_at"}

func TestInferKind(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"metric": "queue_depth", "value": 42.0}`, "metric"},
		{`{"text": "quarterly report attached"}`, "document"},
		{`{"body": "   "}`, "event"},
		{`{"user": "u-1", "action": "login"}`, "event"},
		{`[1,2,3]`, "event"},
	}
	for _, tc := range cases {
		if got := InferKind(json.RawMessage(tc.payload)); got != tc.want {
			t.Errorf("InferKind(%s) = %s, want %s", tc.payload, got, tc.want)
		}
	}
}

func TestCategorize(t *testing.T) {
	got := Categorize(DefaultCategoryKeywords, `{"text":"customer complaint about refund latency"}`)
	want := []string{"customer", "finance", "operations"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Categorize = %v, want %v", got, want)
	}
	if out := Categorize(nil, "anything"); out != nil {
		t.Errorf("expected nil for empty keyword map, got %v", out)
	}
}

func TestMergeCategories(t *testing.T) {
	got := mergeCategories([]string{"finance", "growth"}, []string{"Finance", " security ", ""})
	want := []string{"finance", "growth", "security"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeCategories = %v, want %v", got, want)
	}
}

func TestValidateParsesGatewayResponse(t *testing.T) {
	gw := &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			return "```json\n{\"is_valid\": false, \"score\": 0.3, \"issues\": [\"missing amount\"], \"fixes\": [\"add amount field\"]}\n```", nil
		},
	}
	p := NewProcessor(nil, gw, nil, config.PipelineConfig{}, nil, nil)

	resp, err := p.validate(context.Background(), store.StagedItem{ID: "i-1", Source: "crm", Kind: "event"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if resp.IsValid || resp.Score != 0.3 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Issues) != 1 || len(resp.Fixes) != 1 {
		t.Errorf("issues/fixes not parsed: %+v", resp)
	}
}

func TestValidationRetriesExhaustedParksItem(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}

	gw := &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("malformed gateway response")
		},
	}
	p := NewProcessor(st, gw, nil, config.PipelineConfig{}, nil, nil)

	mock.ExpectQuery(`WHERE status='pending'`).
		WillReturnRows(sqlmock.NewRows(pendingItemCols).
			AddRow("item-1", "crm", "event", 9, store.ItemStatusPending, []byte(`{}`), nil, time.Now()))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// the failed attempt was the last one: the task goes terminal and the
	// item must leave the pending queue instead of occupying a batch slot
	// on every future cycle
	mock.ExpectQuery(`UPDATE processing_tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.TaskStatusFailed))
	mock.ExpectExec(`UPDATE staged_items SET status='needs_review'`).
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// the rest of the cycle proceeds with nothing claimable
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`JOIN processing_tasks`).
			WillReturnRows(sqlmock.NewRows(stageItemCols))
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestValidationRetryKeepsItemPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}

	gw := &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("malformed gateway response")
		},
	}
	p := NewProcessor(st, gw, nil, config.PipelineConfig{}, nil, nil)

	mock.ExpectQuery(`WHERE status='pending'`).
		WillReturnRows(sqlmock.NewRows(pendingItemCols).
			AddRow("item-1", "crm", "event", 9, store.ItemStatusPending, []byte(`{}`), nil, time.Now()))
	mock.ExpectExec(`UPDATE processing_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// attempts remain: the task retries and the item stays pending
	mock.ExpectQuery(`UPDATE processing_tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.TaskStatusRetrying))
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`JOIN processing_tasks`).
			WillReturnRows(sqlmock.NewRows(stageItemCols))
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestValidateRejectsOutOfRangeScore(t *testing.T) {
	gw := &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			return `{"is_valid": true, "score": 1.7}`, nil
		},
	}
	p := NewProcessor(nil, gw, nil, config.PipelineConfig{}, nil, nil)
	if _, err := p.validate(context.Background(), store.StagedItem{ID: "i-1"}); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}
