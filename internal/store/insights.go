package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// StreamInsight is an immutable scored insight derived from one item plus
// its recent-history window.
type StreamInsight struct {
	ID           string
	SourceItemID string
	Kind         string
	Content      string
	Confidence   float64
	Urgency      string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// InsertInsight persists an insight record. Insights are immutable after
// creation and purged at expiry.
func (s *Store) InsertInsight(ctx context.Context, in StreamInsight) (string, error) {
	if in.SourceItemID == "" {
		return "", fmt.Errorf("source_item_id required")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return "", fmt.Errorf("confidence must be within [0,1]")
	}
	if in.ExpiresAt.IsZero() {
		return "", fmt.Errorf("expires_at required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO stream_insights (source_item_id, kind, content, confidence, urgency, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`, in.SourceItemID, in.Kind, in.Content, in.Confidence, in.Urgency, in.ExpiresAt).Scan(&id)
	return id, err
}

// ListAlertCandidates returns fresh, high-confidence, unexpired insights
/// that have no Alert yet. The anti-join is the dedup guard: an insight that
// already produced an alert is never considered again.
func (s *Store) ListAlertCandidates(ctx context.Context, minConfidence float64, freshness time.Duration, limit int) ([]StreamInsight, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT i.id, i.source_item_id, i.kind, i.content, i.confidence, i.urgency, i.expires_at, i.created_at
FROM stream_insights i
LEFT JOIN alerts a ON a.source_insight_id = i.id
WHERE a.id IS NULL
  AND i.confidence >= $1
  AND i.created_at >= NOW() - $2::interval
  AND i.expires_at > NOW()
  AND i.kind IN ('contextual','predictive')
ORDER BY i.confidence DESC, i.created_at ASC
LIMIT $3
`, minConfidence, fmt.Sprintf("%f seconds", freshness.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamInsight
	for rows.Next() {
		var in StreamInsight
		if err := rows.Scan(&in.ID, &in.SourceItemID, &in.Kind, &in.Content, &in.Confidence, &in.Urgency, &in.ExpiresAt, &in.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Alert is a significance-gated notification derived from one insight.
type Alert struct {
	ID                  string
	SourceInsightID     string
	SignificanceScore   float64
	Urgency             string
	Message             string
	PersonalizedMessage string
	RecommendedAction   string
	NotificationStatus  string
	CreatedAt           time.Time
}

// InsertAlert creates at most one Alert per source insight; the unique
// constraint plus ON CONFLICT DO NOTHING makes re-evaluation idempotent.
// Returns false when the insight already has an alert.
func (s *Store) InsertAlert(ctx context.Context, a Alert) (string, bool, error) {
	if a.SourceInsightID == "" {
		return "", false, fmt.Errorf("source_insight_id required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO alerts (source_insight_id, significance_score, urgency, message, personalized_message, recommended_action, notification_status)
VALUES ($1,$2,$3,$4,$5,$6,'pending')
ON CONFLICT (source_insight_id) DO NOTHING
RETURNING id
`, a.SourceInsightID, a.SignificanceScore, a.Urgency, a.Message, nullableString(a.PersonalizedMessage), nullableString(a.RecommendedAction)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// allowed notification_status forward transitions, reported back by the
// external notification channel.
var notificationNext = map[string][]string{
	NotificationPending:      {NotificationSent},
	NotificationSent:         {NotificationAcknowledged, NotificationResolved},
	NotificationAcknowledged: {NotificationResolved},
}

// UpdateAlertNotificationStatus applies one transition from the external
// notification path. Invalid transitions are rejected.
func (s *Store) UpdateAlertNotificationStatus(ctx context.Context, alertID, next string) error {
	var current string
	if err := s.DB.QueryRowContext(ctx, `SELECT notification_status FROM alerts WHERE id=$1`, alertID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("alert %s not found", alertID)
		}
		return err
	}
	ok := false
	for _, n := range notificationNext[current] {
		if n == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid notification transition %s -> %s", current, next)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE alerts SET notification_status=$2 WHERE id=$1 AND notification_status=$3
`, alertID, next, current)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s changed concurrently", alertID)
	}
	return nil
}

// CountActiveAlerts returns unresolved alerts at or above the given urgency
// set within the window.
func (s *Store) CountActiveAlerts(ctx context.Context, urgencies []string, window time.Duration) (int, error) {
	query := `
SELECT COUNT(*) FROM alerts
WHERE notification_status IN ('pending','sent','acknowledged')
  AND created_at >= NOW() - $1::interval`
	args := []interface{}{fmt.Sprintf("%f seconds", window.Seconds())}
	if len(urgencies) > 0 {
		query += ` AND urgency = ANY($2)`
		args = append(args, pq.Array(urgencies))
	}
	var n int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, source_insight_id, significance_score, urgency, message,
       COALESCE(personalized_message,''), COALESCE(recommended_action,''), notification_status, created_at
FROM alerts WHERE id=$1
`, id)
	var a Alert
	if err := row.Scan(&a.ID, &a.SourceInsightID, &a.SignificanceScore, &a.Urgency, &a.Message,
		&a.PersonalizedMessage, &a.RecommendedAction, &a.NotificationStatus, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Alert{}, false, nil
		}
		return Alert{}, false, err
	}
	return a, true, nil
}
