package store

import (
	"context"
	"fmt"
	"time"
)

// Retention cleanup. Every entity is retention-bounded; the cleanup job
// calls these once per cycle. Each returns the number of rows removed.

// PruneTerminalItemsBefore removes invalid/needs_review items and valid
// items whose ledger is fully terminal, older than the cutoff. Ledger rows
// go with them via ON DELETE CASCADE.
func (s *Store) PruneTerminalItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM staged_items i
WHERE i.ingested_at < $1
  AND i.status <> 'pending'
  AND NOT EXISTS (
    SELECT 1 FROM processing_tasks t
    WHERE t.item_id = i.id AND t.status IN ('pending','processing','retrying')
  )
`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneExpiredInsights removes insights past their expiry.
func (s *Store) PruneExpiredInsights(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM stream_insights WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneAlertsBefore removes resolved alerts older than the cutoff.
func (s *Store) PruneAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM alerts WHERE notification_status='resolved' AND created_at < $1
`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneExpiredRecommendations removes recommendations past their freshness
// horizon.
func (s *Store) PruneExpiredRecommendations(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM recommendations WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneWorkloadSamplesBefore trims the append-only sample log.
func (s *Store) PruneWorkloadSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM workload_samples WHERE sampled_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneComponentMetricsBefore trims raw metric observations.
func (s *Store) PruneComponentMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM component_metrics WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
