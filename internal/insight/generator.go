package insight

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

// Generator derives scored stream insights from validated items. One run
// drains a bounded batch of items whose analysis task is claimable.
type Generator struct {
	store   *store.Store
	gateway provider.Gateway
	cfg     config.InsightConfig
	timeout time.Duration
	metrics *telemetry.Metrics
	log     *log.Logger
}

// NewGenerator builds a Generator. taskTimeout is the stale-claim horizon
// shared with the pipeline.
func NewGenerator(st *store.Store, gw provider.Gateway, cfg config.InsightConfig, taskTimeout time.Duration, m *telemetry.Metrics, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[INSIGHT] ", log.LstdFlags)
	}
	return &Generator{store: st, gateway: gw, cfg: cfg.Normalize(), timeout: taskTimeout, metrics: m, log: logger}
}

// Run executes one generation cycle. A gateway outage aborts the cycle;
// everything else is per-item.
func (g *Generator) Run(ctx context.Context) error {
	items, err := g.store.ListClaimableStageItems(ctx, store.StageAnalysis, g.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list analysis candidates: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	history, err := g.store.ListRecentCompletedItems(ctx, g.cfg.HistoryWindow, 50)
	if err != nil {
		return fmt.Errorf("load history window: %w", err)
	}

	for _, item := range items {
		claimed, err := g.store.ClaimTask(ctx, item.ID, store.StageAnalysis, g.timeout)
		if err != nil {
			return fmt.Errorf("claim analysis task: %w", err)
		}
		if !claimed {
			continue
		}

		insights, err := g.Process(ctx, item, history)
		if err != nil {
			status, ferr := g.store.FailTask(ctx, item.ID, store.StageAnalysis, err.Error())
			if ferr != nil {
				g.log.Printf("fail task %s: %v", item.ID, ferr)
			}
			if errors.Is(err, provider.ErrUnavailable) {
				g.log.Printf("gateway unavailable, skipping cycle (item %s -> %s)", item.ID, status)
				return nil
			}
			g.log.Printf("analysis failed for item %s (%s): %v", item.ID, status, err)
			continue
		}

		ok := true
		for _, in := range insights {
			if _, err := g.store.InsertInsight(ctx, in); err != nil {
				g.log.Printf("insert insight for item %s: %v", item.ID, err)
				ok = false
				break
			}
			if g.metrics != nil {
				g.metrics.InsightsGenerated.WithLabelValues(in.Kind).Inc()
			}
		}
		if !ok {
			if _, err := g.store.FailTask(ctx, item.ID, store.StageAnalysis, "insight persist failed"); err != nil {
				g.log.Printf("fail task %s: %v", item.ID, err)
			}
			continue
		}
		if err := g.store.CompleteTask(ctx, item.ID, store.StageAnalysis); err != nil {
			g.log.Printf("complete task %s: %v", item.ID, err)
		}
	}
	return nil
}

type analysisResponse struct {
	Kind           string  `json:"kind"`
	Content        string  `json:"content"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// Process synthesizes the insights for one item against the recent-history
// window: a primary contextual or predictive insight, plus a secondary
// recommendation insight scored at a fixed fraction of the primary.
// Cold start (empty window) caps confidence and forces the contextual kind.
func (g *Generator) Process(ctx context.Context, item store.StagedItem, history []store.StagedItem) ([]store.StreamInsight, error) {
	prompt := g.buildPrompt(item, history)
	if g.metrics != nil {
		g.metrics.GatewayCalls.WithLabelValues("generate").Inc()
	}
	raw, err := g.gateway.Generate(ctx, prompt)
	if err != nil {
		if g.metrics != nil {
			g.metrics.GatewayFailures.WithLabelValues("generate").Inc()
		}
		return nil, err
	}

	var resp analysisResponse
	if err := provider.DecodeJSON(raw, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("gateway returned empty insight content")
	}

	kind := resp.Kind
	if kind != store.InsightKindContextual && kind != store.InsightKindPredictive {
		kind = store.InsightKindContextual
	}
	confidence := clamp01(resp.Confidence)
	if len(history) == 0 {
		kind = store.InsightKindContextual
		if confidence > g.cfg.ColdStartCap {
			confidence = g.cfg.ColdStartCap
		}
	}

	expires := time.Now().UTC().Add(g.cfg.TTL)
	out := []store.StreamInsight{{
		SourceItemID: item.ID,
		Kind:         kind,
		Content:      resp.Content,
		Confidence:   confidence,
		Urgency:      UrgencyForScore(confidence),
		ExpiresAt:    expires,
	}}

	if strings.TrimSpace(resp.Recommendation) != "" {
		secondary := clamp01(confidence * g.cfg.SecondaryFactor)
		out = append(out, store.StreamInsight{
			SourceItemID: item.ID,
			Kind:         store.InsightKindRecommendation,
			Content:      resp.Recommendation,
			Confidence:   secondary,
			Urgency:      UrgencyForScore(secondary),
			ExpiresAt:    expires,
		})
	}
	return out, nil
}

func (g *Generator) buildPrompt(item store.StagedItem, history []store.StagedItem) string {
	var b strings.Builder
	b.WriteString("You analyze business events for an operations team.\n\nCURRENT EVENT:\n")
	fmt.Fprintf(&b, "source: %s\nkind: %s\npriority: %d\n", item.Source, item.Kind, item.Priority)
	if item.Content != "" {
		fmt.Fprintf(&b, "summary: %s\n", item.Content)
	} else {
		fmt.Fprintf(&b, "payload: %s\n", string(item.Payload))
	}

	if len(history) == 0 {
		b.WriteString("\nRECENT HISTORY: none (cold start).\n")
	} else {
		b.WriteString("\nRECENT HISTORY (newest first):\n")
		for i, h := range history {
			if i >= 20 {
				break
			}
			line := h.Content
			if line == "" {
				line = string(h.Payload)
			}
			if len(line) > 200 {
				line = line[:200]
			}
			fmt.Fprintf(&b, "- [%s/%s] %s\n", h.Source, h.Kind, line)
		}
	}

	b.WriteString(`
Produce one insight about the current event in the context of the history.
Use kind "predictive" only when the history shows a trend this event extends;
otherwise use "contextual". Confidence is your certainty in [0,1].
If a concrete follow-up action exists, state it in "recommendation",
otherwise leave it empty.

Respond ONLY with valid JSON in the following format:
{"kind": "contextual", "content": "...", "confidence": 0.0, "recommendation": ""}
Do not include any other text or explanation.`)
	return b.String()
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
