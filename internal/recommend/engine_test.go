package recommend

import (
	"testing"
	"time"

	"github.com/knowd-platform/knowd/internal/store"
)

func TestParseRecommendations(t *testing.T) {
	raw := `{"recommendations": [
		{"type": "action_item", "content": "follow up with the top churn-risk account", "priority": 0.9, "confidence": 0.8, "evidence": ["similar account churned after 2 missed check-ins"]},
		{"type": "information", "content": "support ticket volume doubled this week", "priority": 0.5, "confidence": 0.7, "evidence": []},
		{"type": "decision_support", "content": "delay the pricing change until ticket volume normalizes", "priority": 0.6, "confidence": 0.6, "evidence": []},
		{"type": "action_item", "content": "duplicate category, must be dropped", "priority": 0.1, "confidence": 0.1, "evidence": []},
		{"type": "mystery", "content": "unknown type, must be dropped", "priority": 0.1, "confidence": 0.1, "evidence": []}
	]}`
	expires := time.Now().UTC().Add(4 * time.Hour)

	recs, err := parseRecommendations("user-1", raw, expires)
	if err != nil {
		t.Fatalf("parseRecommendations: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 recommendations, got %d", len(recs))
	}
	types := map[string]bool{}
	for _, r := range recs {
		types[r.RecType] = true
		if r.UserID != "user-1" {
			t.Errorf("user id = %s", r.UserID)
		}
		if !r.ExpiresAt.Equal(expires) {
			t.Errorf("expiry = %v, want %v", r.ExpiresAt, expires)
		}
	}
	for _, want := range []string{store.RecTypeActionItem, store.RecTypeInformation, store.RecTypeDecisionSupport} {
		if !types[want] {
			t.Errorf("missing recommendation type %s", want)
		}
	}
}

func TestParseRecommendationsClampsScores(t *testing.T) {
	raw := `{"recommendations": [{"type": "information", "content": "x", "priority": 1.8, "confidence": -0.2, "evidence": []}]}`
	recs, err := parseRecommendations("user-1", raw, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("parseRecommendations: %v", err)
	}
	if recs[0].Priority != 1 || recs[0].Confidence != 0 {
		t.Errorf("scores not clamped: %+v", recs[0])
	}
}

func TestRecommendationFreshnessHorizon(t *testing.T) {
	issued := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	expires := issued.Add(4 * time.Hour)
	raw := `{"recommendations": [{"type": "information", "content": "x", "priority": 0.5, "confidence": 0.5, "evidence": []}]}`

	recs, err := parseRecommendations("user-1", raw, expires)
	if err != nil {
		t.Fatalf("parseRecommendations: %v", err)
	}
	rec := recs[0]
	if !rec.ExpiresAt.After(issued.Add(4*time.Hour - time.Second)) {
		t.Errorf("recommendation must stay fresh through the 4h horizon, expires %v", rec.ExpiresAt)
	}
	// one second past the horizon it no longer qualifies as active
	if rec.ExpiresAt.After(issued.Add(4*time.Hour + time.Second)) {
		t.Errorf("recommendation must be expired at T+4h+1s, expires %v", rec.ExpiresAt)
	}
}

func TestParseRecommendationsRejectsEmpty(t *testing.T) {
	if _, err := parseRecommendations("user-1", `{"recommendations": []}`, time.Now()); err == nil {
		t.Fatal("expected error for empty recommendation list")
	}
	if _, err := parseRecommendations("user-1", `{"recommendations": [{"type": "action_item", "content": "  "}]}`, time.Now()); err == nil {
		t.Fatal("expected error when nothing usable remains")
	}
}
