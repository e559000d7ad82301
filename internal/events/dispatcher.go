package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBatchSize     = 50
	defaultClaimDuration = 2 * time.Minute
	maxRetryDelay        = 300 * time.Second
	maxLastErrorLength   = 1024
)

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Publisher Publisher
	Metrics   *obsmetrics.LedgerMetrics `optional:"true"`
}

// Dispatcher moves outbox rows to the publisher. Rows are claimed for
// defaultClaimDuration so a crashed dispatcher's batch becomes eligible again.
type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	publisher Publisher
	metrics   *obsmetrics.LedgerMetrics
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("events.dispatcher"),
		clock:     p.Clock,
		publisher: p.Publisher,
		metrics:   p.Metrics,
	}
}

// FlushOnce publishes one batch and reports how many rows were delivered.
func (d *Dispatcher) FlushOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	batch, err := d.claim(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	published := 0
	var publishErr error
	for _, evt := range batch {
		if err := d.publish(ctx, evt); err != nil {
			publishErr = errors.Join(publishErr, err)
			d.markFailed(ctx, evt, err)
			continue
		}
		if err := d.markPublished(ctx, evt); err != nil {
			d.log.Error("failed to mark outbox event published",
				zap.String("event_id", evt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	d.metrics.AddOutboxDispatch(string(OutboxStatusPublished), published)
	d.metrics.AddOutboxDispatch(string(OutboxStatusFailed), len(batch)-published)
	if publishErr != nil {
		return published, fmt.Errorf("%w: %w", obsmetrics.ErrPublish, publishErr)
	}
	return published, nil
}

// Backlog counts rows not yet published.
func (d *Dispatcher) Backlog(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("status <> ?", OutboxStatusPublished).
		Count(&count).Error
	if err == nil {
		d.metrics.SetOutboxBacklog(count)
	}
	return count, err
}

func (d *Dispatcher) claim(ctx context.Context, batchSize int) ([]OutboxEvent, error) {
	var batch []OutboxEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := d.clock.Now()
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status <> ? AND next_attempt_at <= ?", OutboxStatusPublished, now).
			Order("created_at, id").
			Limit(batchSize).
			Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]any, 0, len(batch))
		for i := range batch {
			ids = append(ids, batch[i].ID)
			batch[i].Attempts++
		}
		return tx.Model(&OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":          OutboxStatusProcessing,
				"attempts":        gorm.Expr("attempts + 1"),
				"next_attempt_at": now.Add(defaultClaimDuration),
			}).Error
	})
	return batch, err
}

func (d *Dispatcher) publish(ctx context.Context, evt OutboxEvent) error {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(evt.Payload, &data); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	var metadata map[string]string
	if raw, ok := data["_metadata"]; ok {
		_ = json.Unmarshal(raw, &metadata)
		delete(data, "_metadata")
	}
	stripped, err := json.Marshal(data)
	if err != nil {
		return err
	}

	body, err := json.Marshal(Envelope{
		ID:         evt.ID.String(),
		Type:       evt.Type,
		AccountID:  evt.AccountID,
		OccurredAt: evt.CreatedAt.UTC(),
		Data:       stripped,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, Message{
		RoutingKey: evt.Type,
		MessageID:  evt.DedupeKey,
		Body:       body,
	})
}

func (d *Dispatcher) markPublished(ctx context.Context, evt OutboxEvent) error {
	now := d.clock.Now()
	return d.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ?", evt.ID).
		Updates(map[string]any{
			"status":       OutboxStatusPublished,
			"published_at": now,
			"last_error":   nil,
		}).Error
}

func (d *Dispatcher) markFailed(ctx context.Context, evt OutboxEvent, cause error) {
	msg := truncateLastError(cause.Error())
	next := d.clock.Now().Add(RetryDelay(evt.Attempts))
	err := d.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ?", evt.ID).
		Updates(map[string]any{
			"status":          OutboxStatusFailed,
			"next_attempt_at": next,
			"last_error":      msg,
		}).Error
	if err != nil {
		d.log.Error("failed to mark outbox event failed",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err),
		)
		return
	}
	d.log.Warn("outbox publish failed",
		zap.String("event_id", evt.ID.String()),
		zap.String("type", evt.Type),
		zap.Int("attempts", evt.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	)
}

// RetryDelay is 1s doubled per attempt, capped at five minutes.
// truncateLastError caps msg at maxLastErrorLength bytes without leaving a
// partial rune behind; text columns reject invalid UTF-8.
func truncateLastError(msg string) string {
	if len(msg) > maxLastErrorLength {
		msg = msg[:maxLastErrorLength]
	}
	return strings.ToValidUTF8(msg, "")
}

func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	if attempt > 9 {
		return maxRetryDelay
	}
	delay := time.Duration(1<<attempt) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
