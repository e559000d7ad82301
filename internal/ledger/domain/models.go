package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Operation is the kind of balance mutation.
type Operation string

const (
	OperationCredit Operation = "credit"
	OperationDebit  Operation = "debit"
)

// IdempotencyStatus tracks a key through claim and completion.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyStatusCompleted  IdempotencyStatus = "COMPLETED"
)

const (
	DefaultActorRole      = "system"
	DefaultIdempotencyTTL = 24 * time.Hour

	MaxAccountIDLength      = 128
	MaxIdempotencyKeyLength = 255
)

// AccountBalance is the single mutable row per account.
type AccountBalance struct {
	AccountID string    `gorm:"primaryKey;type:varchar(128)" json:"account_id"`
	Balance   int64     `gorm:"not null" json:"balance"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// LedgerEntry is the append-only record of one applied mutation.
type LedgerEntry struct {
	ID             snowflake.ID   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AccountID      string         `gorm:"type:varchar(128);not null;index:ix_ledger_entries_account_created,priority:1" json:"account_id"`
	Delta          int64          `gorm:"not null" json:"delta"`
	BalanceAfter   int64          `gorm:"not null" json:"balance_after"`
	Reason         *string        `gorm:"type:text" json:"reason,omitempty"`
	Purpose        *string        `gorm:"type:text" json:"purpose,omitempty"`
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	CreatedByRole  string         `gorm:"type:varchar(64);not null" json:"created_by_role"`
	IdempotencyKey string         `gorm:"type:varchar(255);not null;index" json:"idempotency_key"`
	CreatedAt      time.Time      `gorm:"not null;index:ix_ledger_entries_account_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Operation derives the mutation kind from the sign of Delta.
func (e LedgerEntry) Operation() Operation {
	if e.Delta < 0 {
		return OperationDebit
	}
	return OperationCredit
}

// IdempotencyRecord is the deduplication row for one caller-supplied key.
type IdempotencyRecord struct {
	Key         string            `gorm:"column:idempotency_key;primaryKey;type:varchar(255)"`
	Status      IdempotencyStatus `gorm:"type:varchar(16);not null;index:ix_idempotency_keys_status_expires,priority:1"`
	Operation   Operation         `gorm:"type:varchar(16);not null"`
	AccountID   string            `gorm:"type:varchar(128);not null"`
	Fingerprint string            `gorm:"type:char(64);not null"`
	ResultID    *snowflake.ID
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index:ix_idempotency_keys_status_expires,priority:2"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

func (r IdempotencyRecord) Completed() bool {
	return r.Status == IdempotencyStatusCompleted
}
