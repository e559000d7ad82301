package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repositories take the *gorm.DB to run on so callers decide whether a call
// joins a transaction. Lookups return (nil, nil) when the row is absent.

type IdempotencyRepository interface {
	// TryClaim inserts record in PROCESSING state. When the key already
	// exists it returns claimed=false and the record currently stored, which
	// may be nil if it was released in between.
	TryClaim(ctx context.Context, db *gorm.DB, record *IdempotencyRecord) (bool, *IdempotencyRecord, error)
	Get(ctx context.Context, db *gorm.DB, key string) (*IdempotencyRecord, error)
	Finalize(ctx context.Context, db *gorm.DB, key string, resultID snowflake.ID, now time.Time) error
	Release(ctx context.Context, db *gorm.DB, key string) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
}

type BalanceRepository interface {
	// EnsureExists inserts a zero balance row unless one is already there.
	EnsureExists(ctx context.Context, db *gorm.DB, accountID string, now time.Time) error
	// LockForUpdate reads the balance under an exclusive row lock held until
	// the enclosing transaction ends. A missing row reads as zero.
	LockForUpdate(ctx context.Context, db *gorm.DB, accountID string) (int64, bool, error)
	Upsert(ctx context.Context, db *gorm.DB, accountID string, balance int64, now time.Time) error
	Get(ctx context.Context, db *gorm.DB, accountID string) (*AccountBalance, error)
}

type EntryRepository interface {
	Append(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*LedgerEntry, error)
	// ListByAccount returns up to limit entries newest first, strictly older
	// than beforeID when it is non-zero.
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, beforeID snowflake.ID, limit int) ([]LedgerEntry, error)
	SumDeltas(ctx context.Context, db *gorm.DB, accountID string) (sum int64, count int64, err error)
}
