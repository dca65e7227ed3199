package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Recommendation is one ranked, category-scoped suggestion for a user.
type Recommendation struct {
	ID                 string
	UserID             string
	RecType            string
	Content            string
	Priority           float64
	Confidence         float64
	SupportingEvidence []string
	ExpiresAt          time.Time
	InteractionStatus  string
	CreatedAt          time.Time
}

// InsertRecommendation persists one recommendation with its freshness
// horizon already applied by the caller.
func (s *Store) InsertRecommendation(ctx context.Context, r Recommendation) (string, error) {
	if r.UserID == "" {
		return "", fmt.Errorf("user_id required")
	}
	if r.ExpiresAt.IsZero() {
		return "", fmt.Errorf("expires_at required")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO recommendations (user_id, rec_type, content, priority, confidence, supporting_evidence, expires_at, interaction_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')
RETURNING id
`, r.UserID, r.RecType, r.Content, r.Priority, r.Confidence, pq.Array(r.SupportingEvidence), r.ExpiresAt).Scan(&id)
	return id, err
}

// ListActiveRecommendations returns unexpired, undismissed recommendations
// for a user, optionally filtered by type, ranked by priority.
func (s *Store) ListActiveRecommendations(ctx context.Context, userID string, types []string, limit int) ([]Recommendation, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id required")
	}
	if limit <= 0 {
		limit = 10
	}
	query := `
SELECT id, user_id, rec_type, content, priority, confidence, supporting_evidence, expires_at, interaction_status, created_at
FROM recommendations
WHERE user_id=$1 AND expires_at > NOW() AND interaction_status <> 'dismissed'`
	args := []interface{}{userID}
	if len(types) > 0 {
		query += ` AND rec_type = ANY($2)`
		args = append(args, pq.Array(types))
	}
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at DESC LIMIT %d`, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recommendation
	for rows.Next() {
		var r Recommendation
		if err := rows.Scan(&r.ID, &r.UserID, &r.RecType, &r.Content, &r.Priority, &r.Confidence,
			pq.Array(&r.SupportingEvidence), &r.ExpiresAt, &r.InteractionStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// interaction_status moves forward only: pending -> viewed -> acted_upon or
// dismissed.
var interactionRank = map[string]int{
	InteractionPending:   0,
	InteractionViewed:    1,
	InteractionActedUpon: 2,
	InteractionDismissed: 2,
}

// UpdateInteractionStatus applies a monotonic status transition.
func (s *Store) UpdateInteractionStatus(ctx context.Context, recID, next string) error {
	rank, ok := interactionRank[next]
	if !ok {
		return fmt.Errorf("unknown interaction status %q", next)
	}
	var current string
	if err := s.DB.QueryRowContext(ctx, `SELECT interaction_status FROM recommendations WHERE id=$1`, recID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("recommendation %s not found", recID)
		}
		return err
	}
	if interactionRank[current] >= rank {
		return fmt.Errorf("invalid interaction transition %s -> %s", current, next)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE recommendations SET interaction_status=$2 WHERE id=$1 AND interaction_status=$3
`, recID, next, current)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recommendation %s changed concurrently", recID)
	}
	return nil
}

// UserContext is the per-user situation snapshot the recommender conditions
// on. User identity itself lives outside this system.
type UserContext struct {
	UserID      string
	Context     json.RawMessage
	RefreshedAt time.Time
}

// UpsertUserContext stores or refreshes a user's situation snapshot.
func (s *Store) UpsertUserContext(ctx context.Context, userID string, context json.RawMessage) error {
	if userID == "" {
		return fmt.Errorf("user_id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO active_user_contexts (user_id, context, refreshed_at)
VALUES ($1,$2,NOW())
ON CONFLICT (user_id) DO UPDATE SET context=EXCLUDED.context, refreshed_at=NOW()
`, userID, defaultJSON(context))
	return err
}

// ListActiveUserContexts returns users refreshed inside the window, oldest
// refresh first so every active user is eventually served.
func (s *Store) ListActiveUserContexts(ctx context.Context, window time.Duration, limit int) ([]UserContext, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT user_id, context, refreshed_at
FROM active_user_contexts
WHERE refreshed_at >= NOW() - $1::interval
ORDER BY refreshed_at ASC
LIMIT $2
`, fmt.Sprintf("%f seconds", window.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserContext
	for rows.Next() {
		var u UserContext
		if err := rows.Scan(&u.UserID, &u.Context, &u.RefreshedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SimilarSituation is a historical enriched item close to the current
// situation in embedding space.
type SimilarSituation struct {
	ItemID     string
	Content    string
	Categories []string
	Distance   float64
	IngestedAt time.Time
}

// SearchSimilarSituations returns up to topK historical items closest to
// the supplied vector inside the lookback window. Items targeted at the
// user's source or at "all" are eligible.
func (s *Store) SearchSimilarSituations(ctx context.Context, vector []float32, lookbackDays, topK int) ([]SimilarSituation, error) {
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, COALESCE(content,''), categories, embedding <=> $1::vector AS distance, ingested_at
FROM staged_items
WHERE status='valid' AND embedding IS NOT NULL
  AND ingested_at >= NOW() - ($2 || ' days')::interval
ORDER BY embedding <=> $1::vector
LIMIT $3
`, lit, lookbackDays, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SimilarSituation
	for rows.Next() {
		var r SimilarSituation
		if err := rows.Scan(&r.ItemID, &r.Content, pq.Array(&r.Categories), &r.Distance, &r.IngestedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
