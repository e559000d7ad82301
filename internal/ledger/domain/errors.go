package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidEntryID        = errors.New("invalid_entry_id")

	ErrDuplicateInFlight    = errors.New("duplicate_in_flight")
	ErrKeyCollision         = fmt.Errorf("key_collision: %w", ErrDuplicateInFlight)
	ErrIdempotencyKeyReused = errors.New("idempotency_key_reused")
	ErrReplayDataMissing    = errors.New("replay_data_missing")
	ErrInsufficientBalance  = errors.New("insufficient_balance")

	ErrEntryNotFound = errors.New("entry_not_found")
	ErrClaimLost     = errors.New("idempotency_claim_lost")
	ErrTransient     = errors.New("ledger_unavailable")
)

// InsufficientBalanceError reports the amounts behind a rejected debit.
type InsufficientBalanceError struct {
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: requested %s, available %s",
		FormatAmount(e.Requested), FormatAmount(e.Available))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// IsClientError reports whether err is a domain outcome the caller can act
// on, as opposed to a storage failure.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidIdempotencyKey),
		errors.Is(err, ErrInvalidEntryID),
		errors.Is(err, ErrDuplicateInFlight),
		errors.Is(err, ErrIdempotencyKeyReused),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrEntryNotFound):
		return true
	}
	return false
}
