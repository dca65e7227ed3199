package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/queue/streams"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// downstream stages ensured once an item passes validation.
var postValidationStages = []string{
	store.StageEnrichment,
	store.StageEmbedding,
	store.StageAnalysis,
	store.StageDistribution,
}

// Publisher is the slice of the stream publisher the processor needs.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Processor runs the staging -> validation -> enrichment -> embedding ->
// distribution pipeline. Each stage is guarded by its (item, stage) task
// claim, so overlapping runs never double-process an item.
type Processor struct {
	store     *store.Store
	gateway   provider.Gateway
	publisher Publisher
	cfg       config.PipelineConfig
	metrics   *telemetry.Metrics
	log       *log.Logger
}

// NewProcessor builds a Processor. publisher may be nil; distribution then
// completes without emitting events.
func NewProcessor(st *store.Store, gw provider.Gateway, pub Publisher, cfg config.PipelineConfig, m *telemetry.Metrics, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	cfg = cfg.Normalize()
	if len(cfg.CategoryKeywords) == 0 {
		cfg.CategoryKeywords = DefaultCategoryKeywords
	}
	return &Processor{store: st, gateway: gw, publisher: pub, cfg: cfg, metrics: m, log: logger}
}

// Ingest durably stages a raw payload. The item kind is inferred from the
// payload shape; callers never set it.
func (p *Processor) Ingest(ctx context.Context, source string, payload json.RawMessage, priority int) (string, error) {
	kind := InferKind(payload)
	id, err := p.store.InsertStagedItem(ctx, source, kind, priority, payload)
	if err != nil {
		return "", fmt.Errorf("stage item: %w", err)
	}
	if err := p.store.EnsureTask(ctx, id, store.StageValidation, p.cfg.MaxAttempts); err != nil {
		return "", fmt.Errorf("ensure validation task: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ItemsIngested.Inc()
	}
	return id, nil
}

/// InferKind classifies a payload: numeric measurement fields make a metric,
// prose fields make a document, anything else is an event.
func InferKind(payload json.RawMessage) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "event"
	}
	for _, k := range []string{"value", "metric", "count", "measurement"} {
		if v, ok := obj[k]; ok {
			if _, isNum := v.(float64); isNum {
				return "metric"
			}
		}
	}
	for _, k := range []string{"text", "body", "content", "description"} {
		if v, ok := obj[k]; ok {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
				return "document"
			}
		}
	}
	return "event"
}

// Run executes one pipeline cycle: validate pending items, then enrich,
// embed and distribute validated ones. A gateway outage ends the cycle
// early; claimed tasks are failed back to retrying so the next tick picks
// them up.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.validateBatch(ctx); err != nil {
		return err
	}
	if err := p.enrichBatch(ctx); err != nil {
		return err
	}
	if err := p.embedBatch(ctx); err != nil {
		return err
	}
	return p.distributeBatch(ctx)
}

type validationResponse struct {
	IsValid bool     `json:"is_valid"`
	Score   float64  `json:"score"`
	Issues  []string `json:"issues"`
	Fixes   []string `json:"fixes"`
}

func (p *Processor) validateBatch(ctx context.Context) error {
	items, err := p.store.ListPendingItems(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}
	for _, item := range items {
		claimed, err := p.store.ClaimTask(ctx, item.ID, store.StageValidation, p.cfg.TaskTimeout)
		if err != nil {
			return fmt.Errorf("claim validation task: %w", err)
		}
		if !claimed {
			continue
		}

		resp, err := p.validate(ctx, item)
		if err != nil {
			status, ferr := p.store.FailTask(ctx, item.ID, store.StageValidation, err.Error())
			if ferr != nil {
				p.log.Printf("fail validation task %s: %v", item.ID, ferr)
			}
			if status == store.TaskStatusFailed {
				// retries exhausted: park the item so it stops occupying
				// pending batch slots and becomes prunable
				if rerr := p.store.MarkItemNeedsReview(ctx, item.ID, err.Error()); rerr != nil {
					p.log.Printf("park item %s for review: %v", item.ID, rerr)
				} else {
					p.log.Printf("item %s needs review after exhausted validation retries", item.ID)
					if p.metrics != nil {
						p.metrics.ItemsValidated.WithLabelValues(store.ItemStatusNeedsReview).Inc()
					}
				}
			}
			if errors.Is(err, provider.ErrUnavailable) {
				p.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			p.log.Printf("validate item %s: %v", item.ID, err)
			continue
		}

		if resp.IsValid && resp.Score > p.cfg.ValidationThreshold {
			if err := p.store.MarkItemValid(ctx, item.ID, resp.Score); err != nil {
				p.log.Printf("mark item %s valid: %v", item.ID, err)
				continue
			}
			for _, stage := range postValidationStages {
				if err := p.store.EnsureTask(ctx, item.ID, stage, p.cfg.MaxAttempts); err != nil {
					p.log.Printf("ensure %s task for %s: %v", stage, item.ID, err)
				}
			}
			if p.metrics != nil {
				p.metrics.ItemsValidated.WithLabelValues(store.ItemStatusValid).Inc()
			}
		} else {
			if err := p.store.MarkItemInvalid(ctx, item.ID, resp.Score, resp.Issues, resp.Fixes); err != nil {
				p.log.Printf("mark item %s invalid: %v", item.ID, err)
				continue
			}
			if p.metrics != nil {
				p.metrics.ItemsValidated.WithLabelValues(store.ItemStatusInvalid).Inc()
			}
		}
		if err := p.store.CompleteTask(ctx, item.ID, store.StageValidation); err != nil {
			p.log.Printf("complete validation task %s: %v", item.ID, err)
		}
	}
	return nil
}

func (p *Processor) validate(ctx context.Context, item store.StagedItem) (validationResponse, error) {
	prompt := fmt.Sprintf(`You validate incoming business events before they enter an analysis pipeline.

ITEM (source %s, kind %s):
%s

Judge whether the item is well-formed, internally consistent and plausible.
Score is your confidence in the item's validity in [0,1]. List concrete
issues found and suggested fixes; both lists may be empty.

Respond ONLY with valid JSON in the following format:
{"is_valid": true, "score": 0.0, "issues": [], "fixes": []}
Do not include any other text or explanation.`, item.Source, item.Kind, string(item.Payload))

	if p.metrics != nil {
		p.metrics.GatewayCalls.WithLabelValues("generate").Inc()
	}
	raw, err := p.gateway.Generate(ctx, prompt)
	if err != nil {
		if p.metrics != nil {
			p.metrics.GatewayFailures.WithLabelValues("generate").Inc()
		}
		return validationResponse{}, err
	}
	var resp validationResponse
	if err := provider.DecodeJSON(raw, &resp); err != nil {
		return validationResponse{}, err
	}
	if resp.Score < 0 || resp.Score > 1 {
		return validationResponse{}, fmt.Errorf("validation score %v out of range", resp.Score)
	}
	return resp, nil
}

type enrichmentResponse struct {
	Summary    string   `json:"summary"`
	Entities   []string `json:"entities"`
	Categories []string `json:"categories"`
}

func (p *Processor) enrichBatch(ctx context.Context) error {
	items, err := p.store.ListClaimableStageItems(ctx, store.StageEnrichment, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list enrichment candidates: %w", err)
	}
	for _, item := range items {
		claimed, err := p.store.ClaimTask(ctx, item.ID, store.StageEnrichment, p.cfg.TaskTimeout)
		if err != nil {
			return fmt.Errorf("claim enrichment task: %w", err)
		}
		if !claimed {
			continue
		}

		local := Categorize(p.cfg.CategoryKeywords, string(item.Payload))
		resp, err := p.enrich(ctx, item)
		if err != nil {
			if _, ferr := p.store.FailTask(ctx, item.ID, store.StageEnrichment, err.Error()); ferr != nil {
				p.log.Printf("fail enrichment task %s: %v", item.ID, ferr)
			}
			if errors.Is(err, provider.ErrUnavailable) {
				p.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			p.log.Printf("enrich item %s: %v", item.ID, err)
			continue
		}

		categories := mergeCategories(local, resp.Categories)
		if err := p.store.MarkItemEnriched(ctx, item.ID, resp.Summary, resp.Entities, categories); err != nil {
			p.log.Printf("mark item %s enriched: %v", item.ID, err)
			continue
		}
		if p.metrics != nil {
			p.metrics.ItemsEnriched.Inc()
		}
		if err := p.store.CompleteTask(ctx, item.ID, store.StageEnrichment); err != nil {
			p.log.Printf("complete enrichment task %s: %v", item.ID, err)
		}
	}
	return nil
}

func (p *Processor) enrich(ctx context.Context, item store.StagedItem) (enrichmentResponse, error) {
	prompt := fmt.Sprintf(`You enrich validated business events with derived context.

ITEM (source %s, kind %s):
%s

"summary" is one or two factual sentences. "entities" lists named people,
organizations, products or systems mentioned. "categories" lists short
lowercase topic labels.

Respond ONLY with valid JSON in the following format:
{"summary": "...", "entities": [], "categories": []}
Do not include any other text or explanation.`, item.Source, item.Kind, string(item.Payload))

	if p.metrics != nil {
		p.metrics.GatewayCalls.WithLabelValues("generate").Inc()
	}
	raw, err := p.gateway.Generate(ctx, prompt)
	if err != nil {
		if p.metrics != nil {
			p.metrics.GatewayFailures.WithLabelValues("generate").Inc()
		}
		return enrichmentResponse{}, err
	}
	var resp enrichmentResponse
	if err := provider.DecodeJSON(raw, &resp); err != nil {
		return enrichmentResponse{}, err
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return enrichmentResponse{}, fmt.Errorf("gateway returned empty summary")
	}
	return resp, nil
}

func (p *Processor) embedBatch(ctx context.Context) error {
	items, err := p.store.ListClaimableStageItems(ctx, store.StageEmbedding, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list embedding candidates: %w", err)
	}
	for _, item := range items {
		if item.Content == "" {
			// enrichment has not produced a summary yet
			continue
		}
		claimed, err := p.store.ClaimTask(ctx, item.ID, store.StageEmbedding, p.cfg.TaskTimeout)
		if err != nil {
			return fmt.Errorf("claim embedding task: %w", err)
		}
		if !claimed {
			continue
		}

		if p.metrics != nil {
			p.metrics.GatewayCalls.WithLabelValues("embedding").Inc()
		}
		vec, err := p.gateway.GenerateEmbedding(ctx, item.Content)
		if err != nil {
			if p.metrics != nil {
				p.metrics.GatewayFailures.WithLabelValues("embedding").Inc()
			}
			if _, ferr := p.store.FailTask(ctx, item.ID, store.StageEmbedding, err.Error()); ferr != nil {
				p.log.Printf("fail embedding task %s: %v", item.ID, ferr)
			}
			if errors.Is(err, provider.ErrUnavailable) {
				p.log.Printf("gateway unavailable, skipping cycle")
				return nil
			}
			p.log.Printf("embed item %s: %v", item.ID, err)
			continue
		}
		if len(vec) > 0 {
			if err := p.store.SetItemEmbedding(ctx, item.ID, vec); err != nil {
				p.log.Printf("store embedding for %s: %v", item.ID, err)
				if _, ferr := p.store.FailTask(ctx, item.ID, store.StageEmbedding, err.Error()); ferr != nil {
					p.log.Printf("fail embedding task %s: %v", item.ID, ferr)
				}
				continue
			}
		}
		if err := p.store.CompleteTask(ctx, item.ID, store.StageEmbedding); err != nil {
			p.log.Printf("complete embedding task %s: %v", item.ID, err)
		}
	}
	return nil
}

type itemValidatedEvent struct {
	ItemID     string   `json:"item_id"`
	Source     string   `json:"source"`
	Kind       string   `json:"kind"`
	Priority   int      `json:"priority"`
	Summary    string   `json:"summary"`
	Categories []string `json:"categories"`
}

func (p *Processor) distributeBatch(ctx context.Context) error {
	items, err := p.store.ListClaimableStageItems(ctx, store.StageDistribution, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list distribution candidates: %w", err)
	}
	for _, item := range items {
		if item.Content == "" {
			continue
		}
		claimed, err := p.store.ClaimTask(ctx, item.ID, store.StageDistribution, p.cfg.TaskTimeout)
		if err != nil {
			return fmt.Errorf("claim distribution task: %w", err)
		}
		if !claimed {
			continue
		}

		if p.publisher != nil {
			event := itemValidatedEvent{
				ItemID:     item.ID,
				Source:     item.Source,
				Kind:       item.Kind,
				Priority:   item.Priority,
				Summary:    item.Content,
				Categories: item.Categories,
			}
			if _, err := p.publisher.PublishRaw(ctx, streams.StreamItemValidated, streams.StreamItemValidated, "v1", event); err != nil {
				if _, ferr := p.store.FailTask(ctx, item.ID, store.StageDistribution, err.Error()); ferr != nil {
					p.log.Printf("fail distribution task %s: %v", item.ID, ferr)
				}
				p.log.Printf("publish item %s: %v", item.ID, err)
				continue
			}
		}
		if err := p.store.CompleteTask(ctx, item.ID, store.StageDistribution); err != nil {
			p.log.Printf("complete distribution task %s: %v", item.ID, err)
		}
	}
	return nil
}
