package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidEvent = errors.New("invalid_event")

type OutboxParams struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

// Outbox records events in the caller's transaction so they commit or roll
// back together with the state change they describe.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{genID: p.GenID, clock: p.Clock}
}

// PublishTx stores evt using tx. A second event with the same dedupe key is ignored.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if tx == nil {
		return errors.New("outbox requires a transaction")
	}
	evt.Type = strings.TrimSpace(evt.Type)
	evt.DedupeKey = strings.TrimSpace(evt.DedupeKey)
	if evt.Type == "" || evt.DedupeKey == "" {
		return ErrInvalidEvent
	}

	payload := make(map[string]any, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	if md := correlation.EventMetadata(ctx); len(md) > 0 {
		payload["_metadata"] = md
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	row := OutboxEvent{
		ID:            o.genID.Generate(),
		Type:          evt.Type,
		AccountID:     evt.AccountID,
		Payload:       body,
		DedupeKey:     evt.DedupeKey,
		Status:        OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row).Error
}
