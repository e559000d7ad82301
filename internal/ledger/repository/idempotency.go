package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type idempotencyRepo struct{}

func ProvideIdempotency() domain.IdempotencyRepository {
	return &idempotencyRepo{}
}

func (r *idempotencyRepo) TryClaim(ctx context.Context, conn *gorm.DB, record *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO idempotency_keys (idempotency_key, status, operation, account_id, fingerprint, result_id, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		record.Key,
		string(domain.IdempotencyStatusProcessing),
		string(record.Operation),
		record.AccountID,
		record.Fingerprint,
		record.CreatedAt,
		record.UpdatedAt,
		record.ExpiresAt,
	).Error
	if err == nil {
		record.Status = domain.IdempotencyStatusProcessing
		return true, record, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return false, nil, err
	}

	existing, getErr := r.Get(ctx, conn, record.Key)
	if getErr != nil {
		return false, nil, getErr
	}
	return false, existing, nil
}

func (r *idempotencyRepo) Get(ctx context.Context, conn *gorm.DB, key string) (*domain.IdempotencyRecord, error) {
	var records []domain.IdempotencyRecord
	err := conn.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (r *idempotencyRepo) Finalize(ctx context.Context, conn *gorm.DB, key string, resultID snowflake.ID, now time.Time) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE idempotency_keys SET status = ?, result_id = ?, updated_at = ?
		 WHERE idempotency_key = ? AND status = ?`,
		string(domain.IdempotencyStatusCompleted),
		resultID,
		now,
		key,
		string(domain.IdempotencyStatusProcessing),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrClaimLost, key)
	}
	return nil
}

func (r *idempotencyRepo) Release(ctx context.Context, conn *gorm.DB, key string) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM idempotency_keys WHERE idempotency_key = ? AND status = ?`,
		key,
		string(domain.IdempotencyStatusProcessing),
	).Error
}

// DeleteExpired removes up to limit keys whose TTL has passed, regardless of status.
func (r *idempotencyRepo) DeleteExpired(ctx context.Context, conn *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var keys []string
	err := conn.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("expires_at <= ?", now).
		Order("expires_at").
		Limit(limit).
		Pluck("idempotency_key", &keys).Error
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	result := conn.WithContext(ctx).Exec(
		`DELETE FROM idempotency_keys WHERE idempotency_key IN ? AND expires_at <= ?`,
		keys,
		now,
	)
	return result.RowsAffected, result.Error
}
