package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knowd-platform/knowd/internal/queue/streams"
	"github.com/knowd-platform/knowd/internal/store"
)

const (
	deliverGroup = "knowd-notifier"
	claimMinIdle = 5 * time.Minute
)

// Deliverer drains the alert stream and hands alerts to the notification
// channel, moving them pending -> sent. Acknowledge/resolve transitions
// come back later through the API.
type Deliverer struct {
	store    *store.Store
	consumer *streams.Consumer
	rdb      *redis.Client
	log      *log.Logger
}

// NewDeliverer builds a Deliverer with its consumer group membership.
func NewDeliverer(st *store.Store, rdb *redis.Client, consumerName string, logger *log.Logger) *Deliverer {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &Deliverer{
		store:    st,
		consumer: streams.NewConsumer(rdb, deliverGroup, consumerName),
		rdb:      rdb,
		log:      logger,
	}
}

// Run drains one batch of new alert events plus any events stuck pending
// on dead consumers.
func (d *Deliverer) Run(ctx context.Context) error {
	if err := streams.EnsureGroup(ctx, d.rdb, streams.StreamAlertCreated, deliverGroup); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	msgs, err := d.consumer.Read(ctx, streams.StreamAlertCreated, streams.WithCount(50), streams.WithBlock(time.Second))
	if err != nil {
		return fmt.Errorf("read alert stream: %w", err)
	}
	reclaimed, _, err := d.consumer.AutoClaim(ctx, streams.StreamAlertCreated, claimMinIdle, "0-0", 50)
	if err != nil {
		d.log.Printf("autoclaim: %v", err)
	} else {
		msgs = append(msgs, reclaimed...)
	}

	for _, msg := range msgs {
		var event alertEvent
		if err := json.Unmarshal(msg.Envelope.Data, &event); err != nil || event.AlertID == "" {
			// malformed event, drop it
			_ = d.consumer.Ack(ctx, streams.StreamAlertCreated, msg.ID)
			continue
		}
		if err := d.store.UpdateAlertNotificationStatus(ctx, event.AlertID, store.NotificationSent); err != nil {
			// already past pending, or gone entirely; either way delivered
			d.log.Printf("alert %s: %v", event.AlertID, err)
		}
		if err := d.consumer.Ack(ctx, streams.StreamAlertCreated, msg.ID); err != nil {
			d.log.Printf("ack %s: %v", msg.ID, err)
		}
	}
	return nil
}
