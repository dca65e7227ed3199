package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/knowd-platform/knowd/internal/queue/streams"
	"github.com/knowd-platform/knowd/internal/store"
)

// Publisher is the slice of the stream publisher the notifier needs.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Notifier bridges alerts to the external notification channel: new alerts
// go out on the alert stream, status transitions come back through the API
// and are mirrored onto the status stream.
type Notifier struct {
	store     *store.Store
	publisher Publisher
	log       *log.Logger
}

// New builds a Notifier. publisher may be nil; alerts then stay local.
func New(st *store.Store, pub Publisher, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &Notifier{store: st, publisher: pub, log: logger}
}

type alertEvent struct {
	AlertID             string  `json:"alert_id"`
	SourceInsightID     string  `json:"source_insight_id"`
	SignificanceScore   float64 `json:"significance_score"`
	Urgency             string  `json:"urgency"`
	Message             string  `json:"message"`
	PersonalizedMessage string  `json:"personalized_message,omitempty"`
	RecommendedAction   string  `json:"recommended_action,omitempty"`
}

// AlertCreated publishes a freshly created alert to the notification
// channel.
func (n *Notifier) AlertCreated(ctx context.Context, alert store.Alert) error {
	if n.publisher == nil {
		return nil
	}
	event := alertEvent{
		AlertID:             alert.ID,
		SourceInsightID:     alert.SourceInsightID,
		SignificanceScore:   alert.SignificanceScore,
		Urgency:             alert.Urgency,
		Message:             alert.Message,
		PersonalizedMessage: alert.PersonalizedMessage,
		RecommendedAction:   alert.RecommendedAction,
	}
	if _, err := n.publisher.PublishRaw(ctx, streams.StreamAlertCreated, streams.StreamAlertCreated, "v1", event); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

type statusEvent struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
}

// UpdateStatus applies a notification status transition reported by the
// external channel and mirrors it onto the status stream. Invalid
// transitions are rejected by the store.
func (n *Notifier) UpdateStatus(ctx context.Context, alertID, status string) error {
	if err := n.store.UpdateAlertNotificationStatus(ctx, alertID, status); err != nil {
		return err
	}
	if n.publisher != nil {
		if _, err := n.publisher.PublishRaw(ctx, streams.StreamNotificationStatus, streams.StreamNotificationStatus, "v1", statusEvent{AlertID: alertID, Status: status}); err != nil {
			// the durable state already moved; the mirror is best effort
			n.log.Printf("publish status for alert %s: %v", alertID, err)
		}
	}
	return nil
}
