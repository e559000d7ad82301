package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type balanceRepo struct{}

func ProvideBalance() domain.BalanceRepository {
	return &balanceRepo{}
}

func (r *balanceRepo) EnsureExists(ctx context.Context, conn *gorm.DB, accountID string, now time.Time) error {
	row := domain.AccountBalance{AccountID: accountID, Balance: 0, UpdatedAt: now}
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// LockForUpdate issues SELECT ... FOR UPDATE. SQLite drops the locking
// clause and relies on its database-level write lock instead.
func (r *balanceRepo) LockForUpdate(ctx context.Context, conn *gorm.DB, accountID string) (int64, bool, error) {
	var rows []domain.AccountBalance
	err := conn.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Balance, true, nil
}

func (r *balanceRepo) Upsert(ctx context.Context, conn *gorm.DB, accountID string, balance int64, now time.Time) error {
	row := domain.AccountBalance{AccountID: accountID, Balance: balance, UpdatedAt: now}
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(&row).Error
}

func (r *balanceRepo) Get(ctx context.Context, conn *gorm.DB, accountID string) (*domain.AccountBalance, error) {
	var rows []domain.AccountBalance
	err := conn.WithContext(ctx).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
