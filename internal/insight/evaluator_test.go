package insight

import (
	"context"
	"testing"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/provider"
)

func newTestEvaluator(judged bool, score float64) *Evaluator {
	gw := &provider.StubGateway{
		GenerateBoolFn: func(ctx context.Context, prompt string) (bool, error) {
			return judged, nil
		},
		GenerateFloatFn: func(ctx context.Context, prompt string) (float64, error) {
			return score, nil
		},
	}
	return NewEvaluator(nil, gw, config.AlertConfig{}, nil, nil, nil)
}

func TestEvaluateDoubleCheck(t *testing.T) {
	cases := []struct {
		name   string
		judged bool
		score  float64
		want   bool
	}{
		{"both agree significant", true, 0.9, true},
		{"score at threshold", true, 0.7, true},
		{"judgment yes score low", true, 0.5, false},
		{"judgment no score high", false, 0.9, false},
		{"both agree routine", false, 0.1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEvaluator(tc.judged, tc.score)
			got, score, err := e.Evaluate(context.Background(), "revenue dipped", "daily revenue watch")
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tc.want {
				t.Errorf("significant = %v, want %v", got, tc.want)
			}
			if score != tc.score {
				t.Errorf("score = %v, want %v", score, tc.score)
			}
		})
	}
}

// Drives one item through generation and significance evaluation with a
// deterministic gateway, checking the urgency chain end to end.
func TestInsightToAlertFlow(t *testing.T) {
	gw := &provider.StubGateway{
		GenerateFn: func(ctx context.Context, prompt string) (string, error) {
			return `{"kind": "contextual", "content": "largest customer opened a churn ticket", "confidence": 0.85, "recommendation": ""}`, nil
		},
		GenerateBoolFn: func(ctx context.Context, prompt string) (bool, error) {
			return true, nil
		},
		GenerateFloatFn: func(ctx context.Context, prompt string) (float64, error) {
			return 0.82, nil
		},
	}
	g := NewGenerator(nil, gw, config.InsightConfig{}, 0, nil, nil)
	e := NewEvaluator(nil, gw, config.AlertConfig{}, nil, nil, nil)

	item := store.StagedItem{ID: "item-1", Source: "crm", Kind: "event"}
	history := []store.StagedItem{{ID: "h-1", Content: "support volume rising"}}
	insights, err := g.Process(context.Background(), item, history)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	primary := insights[0]
	if primary.Confidence != 0.85 {
		t.Fatalf("confidence = %v", primary.Confidence)
	}

	significant, score, err := e.Evaluate(context.Background(), primary.Content, "flow test")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !significant {
		t.Fatal("expected significant verdict")
	}
	if got := UrgencyForScore(score); got != store.UrgencyCritical {
		t.Errorf("alert urgency = %s, want critical at score %v", got, score)
	}
}

func TestDetectAnomalyEmptySeries(t *testing.T) {
	e := newTestEvaluator(true, 0.9)
	significant, _, err := e.DetectAnomaly(context.Background(), nil, "queue depth")
	if err != nil {
		t.Fatalf("DetectAnomaly: %v", err)
	}
	if significant {
		t.Fatal("empty series must never be anomalous")
	}
}
