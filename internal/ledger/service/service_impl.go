package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/events"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Idempotency domain.IdempotencyRepository
	Balances    domain.BalanceRepository
	Entries     domain.EntryRepository

	Policy        *config.PolicyHolder      `optional:"true"`
	Outbox        *events.Outbox            `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	LedgerMetrics *obsmetrics.LedgerMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	idempotency domain.IdempotencyRepository
	balances    domain.BalanceRepository
	entries     domain.EntryRepository

	policy        *config.PolicyHolder
	outbox        *events.Outbox
	obsMetrics    *obsmetrics.Metrics
	ledgerMetrics *obsmetrics.LedgerMetrics
	tracer        trace.Tracer
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("ledger.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		idempotency:   p.Idempotency,
		balances:      p.Balances,
		entries:       p.Entries,
		policy:        p.Policy,
		outbox:        p.Outbox,
		obsMetrics:    p.ObsMetrics,
		ledgerMetrics: p.LedgerMetrics,
		tracer:        otel.Tracer("creditledger/ledger"),
	}
}

// mutation is a validated Credit or Debit.
type mutation struct {
	op          domain.Operation
	accountID   string
	amount      int64
	reason      *string
	purpose     *string
	key         string
	actorRole   string
	metadata    datatypes.JSON
	fingerprint string
}

func (s *Service) Credit(ctx context.Context, req domain.CreditRequest) (domain.EntryResult, error) {
	return s.apply(ctx, domain.OperationCredit, mutation{
		accountID: req.AccountID,
		amount:    req.Amount,
		reason:    optionalText(req.Reason),
		key:       req.IdempotencyKey,
		actorRole: req.ActorRole,
		metadata:  req.Metadata,
	})
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (domain.EntryResult, error) {
	return s.apply(ctx, domain.OperationDebit, mutation{
		accountID: req.AccountID,
		amount:    req.Amount,
		purpose:   optionalText(req.Purpose),
		key:       req.IdempotencyKey,
		actorRole: req.ActorRole,
		metadata:  req.Metadata,
	})
}

func (s *Service) apply(ctx context.Context, op domain.Operation, m mutation) (domain.EntryResult, error) {
	started := time.Now()
	m.op = op

	ctx, span := s.tracer.Start(ctx, "ledger."+string(op), trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("operation", string(op)),
			attribute.String("account_id", strings.TrimSpace(m.accountID)),
		)...,
	))
	defer span.End()

	result, err := s.execute(ctx, m)

	outcome := outcomeFor(result, err)
	s.ledgerMetrics.ObserveOperation(string(op), outcome, time.Since(started))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		if !domain.IsClientError(err) {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, outcome)
		}
		return domain.EntryResult{}, err
	}
	if result.Replayed {
		s.obsMetrics.RecordReplay(ctx, string(op))
	} else {
		s.obsMetrics.RecordLedgerEntry(ctx, string(op), m.amount)
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, m mutation) (domain.EntryResult, error) {
	m, err := s.validate(m)
	if err != nil {
		return domain.EntryResult{}, err
	}
	m.fingerprint = requestFingerprint(m.op, m.accountID, m.amount)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("operation", string(m.op)),
		zap.String("account_id", m.accountID),
	)

	existing, err := s.idempotency.Get(ctx, s.db, m.key)
	if err != nil {
		return domain.EntryResult{}, transient(err)
	}
	if existing != nil {
		return s.resolveExisting(ctx, existing, m, false)
	}

	// Timestamps are stored at microsecond precision; the first response must
	// match what a replay reads back.
	now := s.clock.Now().Truncate(time.Microsecond)
	claimed, current, err := s.idempotency.TryClaim(ctx, s.db, &domain.IdempotencyRecord{
		Key:         m.key,
		Operation:   m.op,
		AccountID:   m.accountID,
		Fingerprint: m.fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.idempotencyTTL()),
	})
	if err != nil {
		return domain.EntryResult{}, transient(err)
	}
	if !claimed {
		s.ledgerMetrics.IncIdempotency(obsmetrics.IdempotencyCollision)
		if current == nil {
			return domain.EntryResult{}, domain.ErrKeyCollision
		}
		return s.resolveExisting(ctx, current, m, true)
	}
	s.ledgerMetrics.IncIdempotency(obsmetrics.IdempotencyClaimed)

	entry, err := s.commit(ctx, m, now)
	if err != nil {
		s.release(ctx, log, m.key)
		if domain.IsClientError(err) {
			return domain.EntryResult{}, err
		}
		log.Error("ledger mutation rolled back", zap.Error(err))
		return domain.EntryResult{}, transient(err)
	}
	s.ledgerMetrics.IncIdempotency(obsmetrics.IdempotencyFinalized)

	log.Info("ledger entry applied",
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("delta", entry.Delta),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return domain.ResultFromEntry(entry, false), nil
}

// resolveExisting turns a stored key into a replay or a rejection. A
// PROCESSING record found after losing the insert race is a collision.
func (s *Service) resolveExisting(ctx context.Context, rec *domain.IdempotencyRecord, m mutation, collided bool) (domain.EntryResult, error) {
	if rec.Fingerprint != m.fingerprint {
		return domain.EntryResult{}, domain.ErrIdempotencyKeyReused
	}
	if !rec.Completed() {
		if collided {
			return domain.EntryResult{}, domain.ErrKeyCollision
		}
		return domain.EntryResult{}, domain.ErrDuplicateInFlight
	}
	if rec.ResultID == nil {
		return domain.EntryResult{}, s.replayMissing(ctx, rec)
	}

	entry, err := s.entries.Get(ctx, s.db, *rec.ResultID)
	if err != nil {
		return domain.EntryResult{}, transient(err)
	}
	if entry == nil {
		return domain.EntryResult{}, s.replayMissing(ctx, rec)
	}
	return domain.ResultFromEntry(*entry, true), nil
}

func (s *Service) replayMissing(ctx context.Context, rec *domain.IdempotencyRecord) error {
	fields := []zap.Field{
		zap.String("account_id", rec.AccountID),
		zap.String("operation", string(rec.Operation)),
	}
	if rec.ResultID != nil {
		fields = append(fields, zap.String("result_id", rec.ResultID.String()))
	}
	logger.WithContext(ctx, s.log).Error("completed idempotency key has no ledger entry", fields...)
	return domain.ErrReplayDataMissing
}

// commit applies the balance change, the entry, the outbox event and the
// key finalization in one transaction.
func (s *Service) commit(ctx context.Context, m mutation, now time.Time) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.op == domain.OperationCredit {
			if err := s.balances.EnsureExists(ctx, tx, m.accountID, now); err != nil {
				return err
			}
		}

		lockStarted := time.Now()
		current, exists, err := s.balances.LockForUpdate(ctx, tx, m.accountID)
		s.ledgerMetrics.ObserveLockWait(obsmetrics.LockResourceBalance, time.Since(lockStarted))
		if err != nil {
			return err
		}

		var delta int64
		switch m.op {
		case domain.OperationCredit:
			if current > math.MaxInt64-m.amount {
				return fmt.Errorf("%w: balance would overflow", domain.ErrInvalidAmount)
			}
			delta = m.amount
		case domain.OperationDebit:
			if !exists || current < m.amount {
				return &domain.InsufficientBalanceError{Requested: m.amount, Available: current}
			}
			delta = -m.amount
		}
		balance := current + delta

		if err := s.balances.Upsert(ctx, tx, m.accountID, balance, now); err != nil {
			return err
		}

		entry = domain.LedgerEntry{
			ID:             s.genID.Generate(),
			AccountID:      m.accountID,
			Delta:          delta,
			BalanceAfter:   balance,
			Reason:         m.reason,
			Purpose:        m.purpose,
			Metadata:       m.metadata,
			CreatedByRole:  m.actorRole,
			IdempotencyKey: m.key,
			CreatedAt:      now,
		}
		if err := s.entries.Append(ctx, tx, &entry); err != nil {
			return err
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, entryEvent(entry)); err != nil {
				return err
			}
		}

		return s.idempotency.Finalize(ctx, tx, m.key, entry.ID, now)
	})
	return entry, err
}

// release frees a claim whose transaction rolled back so a retry can run.
// If it fails the key stays PROCESSING until the sweep removes it.
func (s *Service) release(ctx context.Context, log *zap.Logger, key string) {
	if err := s.idempotency.Release(context.WithoutCancel(ctx), s.db, key); err != nil {
		log.Error("failed to release idempotency key", zap.Error(err))
		return
	}
	s.ledgerMetrics.IncIdempotency(obsmetrics.IdempotencyReleased)
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	accountID, err := normalizeAccountID(accountID)
	if err != nil {
		return domain.AccountBalance{}, err
	}

	row, err := s.balances.Get(ctx, s.db, accountID)
	if err != nil {
		return domain.AccountBalance{}, transient(err)
	}
	if row == nil {
		return domain.AccountBalance{AccountID: accountID, UpdatedAt: s.clock.Now()}, nil
	}
	return *row, nil
}

func (s *Service) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	entryID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || entryID <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidEntryID
	}

	entry, err := s.entries.Get(ctx, s.db, entryID)
	if err != nil {
		return domain.LedgerEntry{}, transient(err)
	}
	if entry == nil {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	return *entry, nil
}

func (s *Service) ListEntries(ctx context.Context, req domain.ListEntriesRequest) (domain.ListEntriesResponse, error) {
	accountID, err := normalizeAccountID(req.AccountID)
	if err != nil {
		return domain.ListEntriesResponse{}, err
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()

	var before snowflake.ID
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return domain.ListEntriesResponse{}, err
		}
		before, err = snowflake.ParseString(cursor.ID)
		if err != nil || before <= 0 {
			return domain.ListEntriesResponse{}, pagination.ErrInvalidPageToken
		}
	}

	rows, err := s.entries.ListByAccount(ctx, s.db, accountID, before, page.PageSize+1)
	if err != nil {
		return domain.ListEntriesResponse{}, transient(err)
	}

	rows, info, err := pagination.BuildCursorPageInfo(rows, page.PageSize, func(e domain.LedgerEntry) string {
		return e.ID.String()
	})
	if err != nil {
		return domain.ListEntriesResponse{}, err
	}
	if rows == nil {
		rows = []domain.LedgerEntry{}
	}
	return domain.ListEntriesResponse{PageInfo: *info, Entries: rows}, nil
}

// Reconcile recomputes the balance from entry deltas. It reads without
// locking, so a mutation racing the check can make it report a transient
// mismatch.
func (s *Service) Reconcile(ctx context.Context, accountID string) (domain.ReconcileResult, error) {
	accountID, err := normalizeAccountID(accountID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	result := domain.ReconcileResult{AccountID: accountID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.balances.Get(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if row != nil {
			result.Balance = row.Balance
		}
		result.SumOfDeltas, result.EntryCount, err = s.entries.SumDeltas(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return domain.ReconcileResult{}, transient(err)
	}

	result.Consistent = result.Balance == result.SumOfDeltas
	result.CheckedAt = s.clock.Now()
	if !result.Consistent {
		logger.WithContext(ctx, s.log).Error("ledger balance does not match entries",
			zap.String("account_id", accountID),
			zap.Int64("balance", result.Balance),
			zap.Int64("sum_of_deltas", result.SumOfDeltas),
		)
	}
	return result, nil
}

func (s *Service) validate(m mutation) (mutation, error) {
	accountID, err := normalizeAccountID(m.accountID)
	if err != nil {
		return m, err
	}
	m.accountID = accountID

	if m.amount <= 0 {
		return m, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	if limit, ok := s.maxAmount(); ok && m.amount > limit {
		return m, fmt.Errorf("%w: amount exceeds the maximum of %s", domain.ErrInvalidAmount, domain.FormatAmount(limit))
	}

	m.key = strings.TrimSpace(m.key)
	if m.key == "" || len(m.key) > domain.MaxIdempotencyKeyLength {
		return m, domain.ErrInvalidIdempotencyKey
	}

	m.actorRole = strings.TrimSpace(m.actorRole)
	if m.actorRole == "" {
		m.actorRole = domain.DefaultActorRole
	}
	return m, nil
}

func (s *Service) idempotencyTTL() time.Duration {
	if s.policy != nil {
		if ttl := s.policy.Get().IdempotencyTTL; ttl > 0 {
			return ttl
		}
	}
	return domain.DefaultIdempotencyTTL
}

func (s *Service) maxAmount() (int64, bool) {
	if s.policy == nil {
		return 0, false
	}
	d, ok := s.policy.Get().MaxAmountDecimal()
	if !ok {
		return 0, false
	}
	units, err := domain.AmountFromDecimal(d)
	if err != nil {
		return 0, false
	}
	return units, true
}

func entryEvent(entry domain.LedgerEntry) events.Event {
	eventType := events.EventLedgerEntryCredited
	if entry.Operation() == domain.OperationDebit {
		eventType = events.EventLedgerEntryDebited
	}
	payload := map[string]any{
		"entry_id":        entry.ID.String(),
		"account_id":      entry.AccountID,
		"delta":           domain.FormatAmount(entry.Delta),
		"balance_after":   domain.FormatAmount(entry.BalanceAfter),
		"created_by_role": entry.CreatedByRole,
		"created_at":      entry.CreatedAt.UTC(),
	}
	if entry.Reason != nil {
		payload["reason"] = *entry.Reason
	}
	if entry.Purpose != nil {
		payload["purpose"] = *entry.Purpose
	}
	return events.Event{
		AccountID: entry.AccountID,
		Type:      eventType,
		Payload:   payload,
		DedupeKey: "ledger_entry:" + entry.ID.String(),
	}
}

func normalizeAccountID(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || len(accountID) > domain.MaxAccountIDLength {
		return "", domain.ErrInvalidAccount
	}
	return accountID, nil
}

func optionalText(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func transient(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, err)
}

func outcomeFor(result domain.EntryResult, err error) string {
	switch {
	case err == nil && result.Replayed:
		return obsmetrics.OutcomeReplayed
	case err == nil:
		return obsmetrics.OutcomeApplied
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		return obsmetrics.OutcomeKeyReused
	case errors.Is(err, domain.ErrDuplicateInFlight):
		return obsmetrics.OutcomeInFlight
	case errors.Is(err, domain.ErrInsufficientBalance):
		return obsmetrics.OutcomeInsufficientBalance
	case errors.Is(err, domain.ErrInvalidAmount):
		return obsmetrics.OutcomeInvalidAmount
	case errors.Is(err, domain.ErrReplayDataMissing):
		return obsmetrics.OutcomeReplayDataMissing
	case errors.Is(err, domain.ErrInvalidAccount), errors.Is(err, domain.ErrInvalidIdempotencyKey):
		return obsmetrics.OutcomeInvalidRequest
	default:
		return obsmetrics.OutcomeError
	}
}
