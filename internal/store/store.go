package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Staged item statuses. Once a row leaves pending it never returns.
const (
	ItemStatusPending     = "pending"
	ItemStatusValid       = "valid"
	ItemStatusInvalid     = "invalid"
	ItemStatusNeedsReview = "needs_review"
)

// Pipeline stages tracked per item.
const (
	StageValidation   = "validation"
	StageEnrichment   = "enrichment"
	StageEmbedding    = "embedding"
	StageAnalysis     = "analysis"
	StageDistribution = "distribution"
)

// Processing task statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusRetrying   = "retrying"
)

// Insight kinds.
const (
	InsightKindContextual     = "contextual"
	InsightKindPredictive     = "predictive"
	InsightKindRecommendation = "recommendation"
	InsightKindAlert          = "alert"
)

// Urgency bands.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Alert notification statuses.
const (
	NotificationPending      = "pending"
	NotificationSent         = "sent"
	NotificationAcknowledged = "acknowledged"
	NotificationResolved     = "resolved"
)

// Recommendation types.
const (
	RecTypeActionItem      = "action_item"
	RecTypeInformation     = "information"
	RecTypeDecisionSupport = "decision_support"
)

// Recommendation interaction statuses (monotonic).
const (
	InteractionPending   = "pending"
	InteractionViewed    = "viewed"
	InteractionActedUpon = "acted_upon"
	InteractionDismissed = "dismissed"
)

// DefaultEmbeddingDimensions is the expected length of semantic vectors
// stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func defaultJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
