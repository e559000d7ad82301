package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventLedgerEntryCredited = "ledger.entry.credited"
	EventLedgerEntryDebited  = "ledger.entry.debited"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// Event is what producers hand to the outbox.
type Event struct {
	AccountID string
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxEvent is a persisted event waiting to be published.
type OutboxEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	Type          string         `gorm:"type:varchar(64);not null"`
	AccountID     string         `gorm:"type:varchar(128);not null"`
	Payload       datatypes.JSON `gorm:"not null"`
	DedupeKey     string         `gorm:"type:varchar(255);not null;uniqueIndex"`
	Status        OutboxStatus   `gorm:"type:varchar(16);not null;index:ix_outbox_events_status_next,priority:1"`
	Attempts      int            `gorm:"not null"`
	NextAttemptAt time.Time      `gorm:"not null;index:ix_outbox_events_status_next,priority:2"`
	LastError     *string        `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"not null"`
	PublishedAt   *time.Time
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Envelope is the JSON body delivered to subscribers.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	AccountID  string            `json:"account_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       datatypes.JSON    `json:"data"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
