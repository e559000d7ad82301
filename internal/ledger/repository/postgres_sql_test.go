package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupPostgresMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestLockForUpdateIssuesRowLock(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectQuery(`SELECT \* FROM "account_balances" WHERE account_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "updated_at"}).
			AddRow("acct-1", int64(700), time.Now()))

	balance, exists, err := ProvideBalance().LockForUpdate(context.Background(), db, "acct-1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(700), balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureExistsDoesNothingOnConflict(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectExec(`INSERT INTO "account_balances" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ProvideBalance().EnsureExists(context.Background(), db, "acct-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaimRereadsOnUniqueViolation(t *testing.T) {
	db, mock := setupPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO idempotency_keys`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectQuery(`SELECT \* FROM "idempotency_keys" WHERE idempotency_key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{
			"idempotency_key", "status", "operation", "account_id", "fingerprint", "result_id", "created_at", "updated_at", "expires_at",
		}).AddRow("k1", "COMPLETED", "credit", "acct-1", "fp", int64(99), now, now, now.Add(time.Hour)))

	claimed, existing, err := ProvideIdempotency().TryClaim(context.Background(), db, newRecord("k1", now, time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.True(t, existing.Completed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeRequiresProcessingRow(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE idempotency_keys SET status = $1, result_id = $2, updated_at = $3`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ProvideIdempotency().Finalize(context.Background(), db, "k1", 7, time.Now())
	assert.ErrorIs(t, err, domain.ErrClaimLost)
	require.NoError(t, mock.ExpectationsWereMet())
}
