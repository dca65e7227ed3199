package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// StagedItem is a raw ingested unit awaiting validation.
type StagedItem struct {
	ID              string
	Source          string
	Kind            string
	Priority        int
	Status          string
	Payload         json.RawMessage
	ValidationScore sql.NullFloat64
	Issues          []string
	Fixes           []string
	Content         string
	Entities        []string
	Categories      []string
	EnrichedAt      *time.Time
	IngestedAt      time.Time
}

// InsertStagedItem records a newly ingested item; it always lands in pending.
func (s *Store) InsertStagedItem(ctx context.Context, source, kind string, priority int, payload json.RawMessage) (string, error) {
	if source == "" {
		return "", fmt.Errorf("source required")
	}
	if priority < 0 || priority > 9 {
		return "", fmt.Errorf("priority must be within [0,9]")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO staged_items (source, kind, priority, status, payload)
VALUES ($1,$2,$3,'pending',$4)
RETURNING id
`, source, kind, priority, defaultJSON(payload)).Scan(&id)
	return id, err
}

// ListPendingItems returns up to limit pending items ordered by priority
// (desc) then arrival. The caller still has to win the per-stage task claim
// before touching an item, so overlapping job instances stay safe.
func (s *Store) ListPendingItems(ctx context.Context, limit int) ([]StagedItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source, kind, priority, status, payload, validation_score, ingested_at
FROM staged_items
WHERE status='pending'
ORDER BY priority DESC, ingested_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StagedItem
	for rows.Next() {
		var it StagedItem
		if err := rows.Scan(&it.ID, &it.Source, &it.Kind, &it.Priority, &it.Status, &it.Payload, &it.ValidationScore, &it.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetStagedItem fetches one item by id.
func (s *Store) GetStagedItem(ctx context.Context, id string) (StagedItem, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, source, kind, priority, status, payload, validation_score,
       issues, fixes, content, entities, categories, enriched_at, ingested_at
FROM staged_items WHERE id=$1
`, id)
	var it StagedItem
	var content sql.NullString
	var enrichedAt sql.NullTime
	if err := row.Scan(&it.ID, &it.Source, &it.Kind, &it.Priority, &it.Status, &it.Payload,
		&it.ValidationScore, pq.Array(&it.Issues), pq.Array(&it.Fixes), &content,
		pq.Array(&it.Entities), pq.Array(&it.Categories), &enrichedAt, &it.IngestedAt); err != nil {
		if err == sql.ErrNoRows {
			return StagedItem{}, false, nil
		}
		return StagedItem{}, false, err
	}
	it.Content = content.String
	if enrichedAt.Valid {
		t := enrichedAt.Time
		it.EnrichedAt = &t
	}
	return it, true, nil
}

// MarkItemValid promotes a pending item. The WHERE guard keeps the
// pending->terminal transition one-way.
func (s *Store) MarkItemValid(ctx context.Context, id string, score float64) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE staged_items SET status='valid', validation_score=$2
WHERE id=$1 AND status='pending'
`, id, score)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s is not pending", id)
	}
	return nil
}

// MarkItemInvalid rejects a pending item with review context.
func (s *Store) MarkItemInvalid(ctx context.Context, id string, score float64, issues, fixes []string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE staged_items SET status='invalid', validation_score=$2, issues=$3, fixes=$4
WHERE id=$1 AND status='pending'
`, id, score, pq.Array(issues), pq.Array(fixes))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s is not pending", id)
	}
	return nil
}

// MarkItemNeedsReview parks a pending item whose validation attempts are
// exhausted. The item leaves the pending queue so it stops occupying batch
// slots, and becomes eligible for retention pruning like any other
// non-pending row.
func (s *Store) MarkItemNeedsReview(ctx context.Context, id, reason string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE staged_items SET status='needs_review', issues=$2
WHERE id=$1 AND status='pending'
`, id, pq.Array([]string{reason}))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s is not pending", id)
	}
	return nil
}

// MarkItemEnriched attaches derived context to a validated item.
func (s *Store) MarkItemEnriched(ctx context.Context, id, content string, entities, categories []string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE staged_items SET content=$2, entities=$3, categories=$4, enriched_at=NOW()
WHERE id=$1 AND status='valid'
`, id, content, pq.Array(entities), pq.Array(categories))
	return err
}

// SetItemEmbedding stores the semantic vector for a validated item.
func (s *Store) SetItemEmbedding(ctx context.Context, id string, vector []float32) error {
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE staged_items SET embedding=$2::vector WHERE id=$1`, id, lit)
	return err
}

// ProcessingTask is the per-item-per-stage status ledger row.
type ProcessingTask struct {
	ItemID       string
	Stage        string
	Status       string
	AttemptCount int
	MaxAttempts  int
	LastError    string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// EnsureTask creates the (item, stage) ledger row if it does not exist.
func (s *Store) EnsureTask(ctx context.Context, itemID, stage string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO processing_tasks (item_id, stage, status, max_attempts)
VALUES ($1,$2,'pending',$3)
ON CONFLICT (item_id, stage) DO NOTHING
`, itemID, stage, maxAttempts)
	return err
}

// ClaimTask atomically moves a task into processing. It is the only
// synchronization primitive in the system: a claim succeeds for pending and
// retrying rows, and for processing rows whose worker is presumed dead
// (started longer than staleAfter ago). Each successful claim counts as one
// attempt; rows that exhausted max_attempts are not claimable.
func (s *Store) ClaimTask(ctx context.Context, itemID, stage string, staleAfter time.Duration) (bool, error) {
	if itemID == "" || stage == "" {
		return false, fmt.Errorf("item_id and stage required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE processing_tasks
SET status='processing', attempt_count=attempt_count+1, started_at=NOW()
WHERE item_id=$1 AND stage=$2
  AND attempt_count < max_attempts
  AND (status IN ('pending','retrying')
       OR (status='processing' AND started_at < NOW() - $3::interval))
`, itemID, stage, fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteTask marks a processing task done. Repeating it is a no-op.
func (s *Store) CompleteTask(ctx context.Context, itemID, stage string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE processing_tasks SET status='completed', completed_at=NOW()
WHERE item_id=$1 AND stage=$2 AND status='processing'
`, itemID, stage)
	return err
}

// FailTask records a failure; the row becomes retrying while attempts
// remain, failed permanently otherwise. Returns the resulting status.
func (s *Store) FailTask(ctx context.Context, itemID, stage, reason string) (string, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `
UPDATE processing_tasks
SET status = CASE WHEN attempt_count < max_attempts THEN 'retrying' ELSE 'failed' END,
    last_error=$3, completed_at = CASE WHEN attempt_count < max_attempts THEN NULL ELSE NOW() END
WHERE item_id=$1 AND stage=$2 AND status='processing'
RETURNING status
`, itemID, stage, reason).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task (%s,%s) is not processing", itemID, stage)
	}
	return status, err
}

// GetTask fetches one ledger row.
func (s *Store) GetTask(ctx context.Context, itemID, stage string) (ProcessingTask, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT item_id, stage, status, attempt_count, max_attempts, COALESCE(last_error,''), started_at, completed_at, created_at
FROM processing_tasks WHERE item_id=$1 AND stage=$2
`, itemID, stage)
	var t ProcessingTask
	var started, completed sql.NullTime
	if err := row.Scan(&t.ItemID, &t.Stage, &t.Status, &t.AttemptCount, &t.MaxAttempts, &t.LastError, &started, &completed, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ProcessingTask{}, false, nil
		}
		return ProcessingTask{}, false, err
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return t, true, nil
}

// ListClaimableStageItems returns valid items whose (item, stage) task is
// still claimable, ordered by item priority then arrival.
func (s *Store) ListClaimableStageItems(ctx context.Context, stage string, limit int) ([]StagedItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT i.id, i.source, i.kind, i.priority, i.status, i.payload, i.validation_score,
       COALESCE(i.content,''), i.categories, i.ingested_at
FROM staged_items i
JOIN processing_tasks t ON t.item_id = i.id AND t.stage = $1
WHERE i.status='valid'
  AND t.status IN ('pending','retrying')
  AND t.attempt_count < t.max_attempts
ORDER BY i.priority DESC, i.ingested_at ASC
LIMIT $2
`, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StagedItem
	for rows.Next() {
		var it StagedItem
		if err := rows.Scan(&it.ID, &it.Source, &it.Kind, &it.Priority, &it.Status, &it.Payload,
			&it.ValidationScore, &it.Content, pq.Array(&it.Categories), &it.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListRecentCompletedItems returns valid enriched items inside the history
// window, newest first. Used as the generator's context window.
func (s *Store) ListRecentCompletedItems(ctx context.Context, window time.Duration, limit int) ([]StagedItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source, kind, priority, status, payload, COALESCE(content,''), ingested_at
FROM staged_items
WHERE status='valid' AND enriched_at IS NOT NULL AND enriched_at >= NOW() - $1::interval
ORDER BY ingested_at DESC
LIMIT $2
`, fmt.Sprintf("%f seconds", window.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StagedItem
	for rows.Next() {
		var it StagedItem
		if err := rows.Scan(&it.ID, &it.Source, &it.Kind, &it.Priority, &it.Status, &it.Payload, &it.Content, &it.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PipelineHealth aggregates queue state for the health endpoint.
type PipelineHealth struct {
	Pending      int     `json:"pending"`
	Throughput   float64 `json:"throughput"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency"`
	Backlog      int     `json:"backlog"`
}

// GetPipelineHealth derives pending counts, hourly throughput, error rate
// and average stage latency from the ledger.
func (s *Store) GetPipelineHealth(ctx context.Context) (PipelineHealth, error) {
	var h PipelineHealth
	err := s.DB.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM staged_items WHERE status='pending'),
  (SELECT COUNT(*) FROM processing_tasks WHERE status='completed' AND completed_at >= NOW() - INTERVAL '1 hour'),
  (SELECT COUNT(*) FROM processing_tasks WHERE status IN ('pending','retrying'))
`).Scan(&h.Pending, &h.Throughput, &h.Backlog)
	if err != nil {
		return PipelineHealth{}, err
	}
	h.Throughput = h.Throughput / 60.0

	var failed, total sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE status='failed'), COUNT(*)
FROM processing_tasks
WHERE created_at >= NOW() - INTERVAL '24 hours'
`).Scan(&failed, &total)
	if err != nil {
		return PipelineHealth{}, err
	}
	if total.Valid && total.Float64 > 0 {
		h.ErrorRate = failed.Float64 / total.Float64
	}

	var avgMS sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, `
SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
FROM processing_tasks
WHERE status='completed' AND completed_at >= NOW() - INTERVAL '24 hours'
`).Scan(&avgMS)
	if err != nil {
		return PipelineHealth{}, err
	}
	if avgMS.Valid {
		h.AvgLatencyMS = avgMS.Float64
	}
	return h, nil
}
