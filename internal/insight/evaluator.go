package insight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// AlertSink receives alerts that passed the significance gate. The notify
// package implements it on top of the alert stream.
type AlertSink interface {
	AlertCreated(ctx context.Context, alert store.Alert) error
}

// Evaluator turns high-confidence insights into alerts. Significance is
// double-checked: a boolean judgment AND a numeric score at or above the
// threshold must both hold.
type Evaluator struct {
	store   *store.Store
	gateway provider.Gateway
	cfg     config.AlertConfig
	sink    AlertSink
	metrics *telemetry.Metrics
	log     *log.Logger
}

// NewEvaluator builds an Evaluator. sink may be nil when no downstream
// channel is wired (tests).
func NewEvaluator(st *store.Store, gw provider.Gateway, cfg config.AlertConfig, sink AlertSink, m *telemetry.Metrics, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ALERT] ", log.LstdFlags)
	}
	return &Evaluator{store: st, gateway: gw, cfg: cfg.Normalize(), sink: sink, metrics: m, log: logger}
}

// Run executes one evaluation cycle over the current alert candidates.
// A gateway outage skips the rest of the cycle; candidates stay eligible
// for the next tick because no alert row was written for them.
func (e *Evaluator) Run(ctx context.Context) error {
	candidates, err := e.store.ListAlertCandidates(ctx, e.cfg.MinConfidence, e.cfg.Freshness, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list alert candidates: %w", err)
	}

	for _, cand := range candidates {
		situation := fmt.Sprintf("insight kind %s, confidence %.2f, urgency %s", cand.Kind, cand.Confidence, cand.Urgency)
		significant, score, err := e.Evaluate(ctx, cand.Content, situation)
		if err != nil {
			if errors.Is(err, provider.ErrUnavailable) {
				e.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			e.log.Printf("evaluate insight %s: %v", cand.ID, err)
			continue
		}
		if !significant {
			continue
		}

		msg, personalized, action, err := e.compose(ctx, cand, score)
		if err != nil {
			if errors.Is(err, provider.ErrUnavailable) {
				e.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			e.log.Printf("compose alert for insight %s: %v", cand.ID, err)
			continue
		}

		alert := store.Alert{
			SourceInsightID:     cand.ID,
			SignificanceScore:   score,
			Urgency:             UrgencyForScore(score),
			Message:             msg,
			PersonalizedMessage: personalized,
			RecommendedAction:   action,
		}
		id, created, err := e.store.InsertAlert(ctx, alert)
		if err != nil {
			e.log.Printf("insert alert for insight %s: %v", cand.ID, err)
			continue
		}
		if !created {
			if e.metrics != nil {
				e.metrics.AlertsSuppressed.Inc()
			}
			continue
		}
		alert.ID = id
		if e.metrics != nil {
			e.metrics.AlertsEmitted.WithLabelValues(alert.Urgency).Inc()
		}
		if e.sink != nil {
			if err := e.sink.AlertCreated(ctx, alert); err != nil {
				e.log.Printf("publish alert %s: %v", id, err)
			}
		}
	}
	return nil
}

// Evaluate runs the significance double-check for a piece of content.
// Returns the verdict and the numeric score.
func (e *Evaluator) Evaluate(ctx context.Context, content, situation string) (bool, float64, error) {
	boolPrompt := fmt.Sprintf(`Given the business context below, is the following development significant enough to interrupt a person with an alert?

CONTEXT: %s

DEVELOPMENT: %s`, situation, content)
	if e.metrics != nil {
		e.metrics.GatewayCalls.WithLabelValues("generate_bool").Inc()
	}
	judged, err := e.gateway.GenerateBool(ctx, boolPrompt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.GatewayFailures.WithLabelValues("generate_bool").Inc()
		}
		return false, 0, err
	}

	scorePrompt := fmt.Sprintf(`Rate the significance of the following development on a scale from 0.0 (routine) to 1.0 (critical, demands immediate attention).

CONTEXT: %s

DEVELOPMENT: %s`, situation, content)
	if e.metrics != nil {
		e.metrics.GatewayCalls.WithLabelValues("generate_float").Inc()
	}
	score, err := e.gateway.GenerateFloat(ctx, scorePrompt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.GatewayFailures.WithLabelValues("generate_float").Inc()
		}
		return false, 0, err
	}
	score = clamp01(score)

	scorePass := score >= e.cfg.SignificanceThreshold
	if judged != scorePass && e.metrics != nil {
		e.metrics.JudgmentDisagreed.Inc()
	}
	return judged && scorePass, score, nil
}

// DetectAnomaly applies the same double-check to a raw numeric series, for
// callers watching operational metrics rather than insights.
func (e *Evaluator) DetectAnomaly(ctx context.Context, series []float64, situation string) (bool, float64, error) {
	if len(series) == 0 {
		return false, 0, nil
	}
	vals := make([]string, len(series))
	for i, v := range series {
		vals[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	desc := fmt.Sprintf("time series (oldest to newest): [%s]", strings.Join(vals, ", "))
	return e.Evaluate(ctx, desc, situation)
}

type composeResponse struct {
	Message             string `json:"message"`
	PersonalizedMessage string `json:"personalized_message"`
	RecommendedAction   string `json:"recommended_action"`
}

func (e *Evaluator) compose(ctx context.Context, cand store.StreamInsight, score float64) (string, string, string, error) {
	prompt := fmt.Sprintf(`Write an alert for the following significant development (significance %.2f, urgency %s).

DEVELOPMENT: %s

"message" is one factual sentence. "personalized_message" addresses the
reader directly and says why this matters to them now. "recommended_action"
is one concrete next step, or empty if none exists.

Respond ONLY with valid JSON in the following format:
{"message": "...", "personalized_message": "...", "recommended_action": ""}
Do not include any other text or explanation.`, score, UrgencyForScore(score), cand.Content)

	if e.metrics != nil {
		e.metrics.GatewayCalls.WithLabelValues("generate").Inc()
	}
	raw, err := e.gateway.Generate(ctx, prompt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.GatewayFailures.WithLabelValues("generate").Inc()
		}
		return "", "", "", err
	}
	var resp composeResponse
	if err := provider.DecodeJSON(raw, &resp); err != nil {
		return "", "", "", err
	}
	if strings.TrimSpace(resp.Message) == "" {
		resp.Message = cand.Content
	}
	return resp.Message, resp.PersonalizedMessage, resp.RecommendedAction, nil
}
