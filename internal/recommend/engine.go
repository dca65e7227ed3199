package recommend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// activeWindow bounds which user contexts count as active per cycle.
const activeWindow = 24 * time.Hour

// Engine produces per-user, category-scoped recommendations conditioned on
// the user's current situation and similar historical situations.
type Engine struct {
	store   *store.Store
	gateway provider.Gateway
	cfg     config.RecommendConfig
	metrics *telemetry.Metrics
	log     *log.Logger
}

// NewEngine builds an Engine.
func NewEngine(st *store.Store, gw provider.Gateway, cfg config.RecommendConfig, m *telemetry.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RECOMMEND] ", log.LstdFlags)
	}
	return &Engine{store: st, gateway: gw, cfg: cfg.Normalize(), metrics: m, log: logger}
}

// Run serves one bounded batch of active users, oldest refresh first.
// A gateway outage ends the cycle; unserved users are first in line on the
// next tick.
func (e *Engine) Run(ctx context.Context) error {
	users, err := e.store.ListActiveUserContexts(ctx, activeWindow, e.cfg.UserBatch)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	for _, user := range users {
		if err := e.RecommendFor(ctx, user); err != nil {
			if errors.Is(err, provider.ErrUnavailable) {
				e.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			e.log.Printf("recommend for user %s: %v", user.UserID, err)
		}
	}
	return nil
}

// RecommendFor generates and persists one recommendation per category for
// a single user.
func (e *Engine) RecommendFor(ctx context.Context, user store.UserContext) error {
	if e.metrics != nil {
		e.metrics.GatewayCalls.WithLabelValues("embedding").Inc()
	}
	vec, err := e.gateway.GenerateEmbedding(ctx, string(user.Context))
	if err != nil {
		if e.metrics != nil {
			e.metrics.GatewayFailures.WithLabelValues("embedding").Inc()
		}
		return err
	}

	var similar []store.SimilarSituation
	if len(vec) > 0 {
		similar, err = e.store.SearchSimilarSituations(ctx, vec, e.cfg.LookbackDays, e.cfg.TopK)
		if err != nil {
			return fmt.Errorf("search similar situations: %w", err)
		}
	}

	prompt := e.buildPrompt(user, similar)
	if e.metrics != nil {
		e.metrics.GatewayCalls.WithLabelValues("generate").Inc()
	}
	raw, err := e.gateway.Generate(ctx, prompt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.GatewayFailures.WithLabelValues("generate").Inc()
		}
		return err
	}

	recs, err := parseRecommendations(user.UserID, raw, time.Now().UTC().Add(e.cfg.TTL))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := e.store.InsertRecommendation(ctx, rec); err != nil {
			return fmt.Errorf("insert recommendation: %w", err)
		}
		if e.metrics != nil {
			e.metrics.RecommendationsMade.WithLabelValues(rec.RecType).Inc()
		}
	}
	return nil
}

func (e *Engine) buildPrompt(user store.UserContext, similar []store.SimilarSituation) string {
	var b strings.Builder
	b.WriteString("You advise a business user based on their current situation and what happened in similar past situations.\n\nCURRENT SITUATION:\n")
	b.WriteString(string(user.Context))
	if len(similar) == 0 {
		b.WriteString("\n\nSIMILAR PAST SITUATIONS: none found.\n")
	} else {
		b.WriteString("\n\nSIMILAR PAST SITUATIONS (closest first):\n")
		for _, s := range similar {
			fmt.Fprintf(&b, "- (distance %.3f) %s\n", s.Distance, s.Content)
		}
	}
	b.WriteString(`
Produce exactly three recommendations, one per type: "action_item" (a task
to do now), "information" (something worth knowing), "decision_support"
(input to a pending decision). Each gets its own independent priority and
confidence in [0,1] and evidence bullets drawn from the past situations.

Respond ONLY with valid JSON in the following format:
{"recommendations": [{"type": "action_item", "content": "...", "priority": 0.0, "confidence": 0.0, "evidence": []}]}
Do not include any other text or explanation.`)
	return b.String()
}

type recommendationResponse struct {
	Recommendations []struct {
		Type       string   `json:"type"`
		Content    string   `json:"content"`
		Priority   float64  `json:"priority"`
		Confidence float64  `json:"confidence"`
		Evidence   []string `json:"evidence"`
	} `json:"recommendations"`
}

var knownRecTypes = map[string]bool{
	store.RecTypeActionItem:      true,
	store.RecTypeInformation:     true,
	store.RecTypeDecisionSupport: true,
}

// parseRecommendations maps a gateway response onto store rows, dropping
// unknown types and duplicate categories.
func parseRecommendations(userID, raw string, expiresAt time.Time) ([]store.Recommendation, error) {
	var resp recommendationResponse
	if err := provider.DecodeJSON(raw, &resp); err != nil {
		return nil, err
	}
	if len(resp.Recommendations) == 0 {
		return nil, fmt.Errorf("gateway returned no recommendations")
	}
	seen := make(map[string]bool, 3)
	var out []store.Recommendation
	for _, r := range resp.Recommendations {
		if !knownRecTypes[r.Type] || seen[r.Type] {
			continue
		}
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		seen[r.Type] = true
		out = append(out, store.Recommendation{
			UserID:             userID,
			RecType:            r.Type,
			Content:            r.Content,
			Priority:           clamp01(r.Priority),
			Confidence:         clamp01(r.Confidence),
			SupportingEvidence: r.Evidence,
			ExpiresAt:          expiresAt,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable recommendations in gateway response")
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
