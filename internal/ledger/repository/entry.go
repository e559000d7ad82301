package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type entryRepo struct{}

func ProvideEntry() domain.EntryRepository {
	return &entryRepo{}
}

func (r *entryRepo) Append(ctx context.Context, conn *gorm.DB, entry *domain.LedgerEntry) error {
	return conn.WithContext(ctx).Create(entry).Error
}

func (r *entryRepo) Get(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := conn.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (r *entryRepo) ListByAccount(ctx context.Context, conn *gorm.DB, accountID string, beforeID snowflake.ID, limit int) ([]domain.LedgerEntry, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("account_id = ?", accountID)
	if beforeID != 0 {
		stmt = stmt.Where("id < ?", beforeID)
	}

	var entries []domain.LedgerEntry
	err := stmt.
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *entryRepo) SumDeltas(ctx context.Context, conn *gorm.DB, accountID string) (int64, int64, error) {
	var agg struct {
		Total int64
		Count int64
	}
	err := conn.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total, COUNT(*) AS count").
		Where("account_id = ?", accountID).
		Scan(&agg).Error
	if err != nil {
		return 0, 0, err
	}
	return agg.Total, agg.Count, nil
}
