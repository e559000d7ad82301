package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/datatypes"
)

type CreditRequest struct {
	AccountID      string
	Amount         int64
	Reason         string
	IdempotencyKey string
	ActorRole      string
	Metadata       datatypes.JSON
}

type DebitRequest struct {
	AccountID      string
	Amount         int64
	Purpose        string
	IdempotencyKey string
	ActorRole      string
	Metadata       datatypes.JSON
}

// EntryResult is the outcome of a Credit or Debit. A replayed result is the
// stored outcome of the first call made with the same idempotency key.
type EntryResult struct {
	ID        snowflake.ID
	AccountID string
	Delta     int64
	Balance   int64
	Reason    *string
	Purpose   *string
	Metadata  datatypes.JSON
	ActorRole string
	CreatedAt time.Time
	Replayed  bool
}

// ResultFromEntry rebuilds the caller-facing result from a stored entry.
func ResultFromEntry(e LedgerEntry, replayed bool) EntryResult {
	return EntryResult{
		ID:        e.ID,
		AccountID: e.AccountID,
		Delta:     e.Delta,
		Balance:   e.BalanceAfter,
		Reason:    e.Reason,
		Purpose:   e.Purpose,
		Metadata:  e.Metadata,
		ActorRole: e.CreatedByRole,
		CreatedAt: e.CreatedAt,
		Replayed:  replayed,
	}
}

type ListEntriesRequest struct {
	AccountID string
	PageToken string
	PageSize  int
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type ReconcileResult struct {
	AccountID   string
	Balance     int64
	SumOfDeltas int64
	EntryCount  int64
	Consistent  bool
	CheckedAt   time.Time
}

type Service interface {
	Credit(ctx context.Context, req CreditRequest) (EntryResult, error)
	Debit(ctx context.Context, req DebitRequest) (EntryResult, error)
	GetBalance(ctx context.Context, accountID string) (AccountBalance, error)
	GetEntry(ctx context.Context, id string) (LedgerEntry, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	Reconcile(ctx context.Context, accountID string) (ReconcileResult, error)
}
