package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/datatypes"
)

// Amounts travel as decimal strings ("12.50"); bare JSON numbers are accepted too.
type creditRequest struct {
	Amount         json.RawMessage `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

type debitRequest struct {
	Amount         json.RawMessage `json:"amount"`
	Purpose        string          `json:"purpose"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

type entryResponse struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Operation     string         `json:"operation"`
	Amount        string         `json:"amount"`
	BalanceAfter  string         `json:"balance_after"`
	Reason        *string        `json:"reason,omitempty"`
	Purpose       *string        `json:"purpose,omitempty"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	CreatedByRole string         `json:"created_by_role"`
	CreatedAt     time.Time      `json:"created_at"`
	Replayed      bool           `json:"replayed"`
}

type balanceResponse struct {
	AccountID string    `json:"account_id"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listEntriesResponse struct {
	Entries       []entryResponse `json:"entries"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	HasMore       bool            `json:"has_more"`
}

type reconcileResponse struct {
	AccountID   string    `json:"account_id"`
	Balance     string    `json:"balance"`
	SumOfDeltas string    `json:"sum_of_deltas"`
	EntryCount  int64     `json:"entry_count"`
	Consistent  bool      `json:"consistent"`
	CheckedAt   time.Time `json:"checked_at"`
}

func (s *Server) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	metadata, err := parseMetadata(req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ledgerSvc.Credit(c.Request.Context(), domain.CreditRequest{
		AccountID:      c.Param("account_id"),
		Amount:         amount,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		ActorRole:      actorRole(c),
		Metadata:       metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeEntryResult(c, result)
}

func (s *Server) Debit(c *gin.Context) {
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	metadata, err := parseMetadata(req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ledgerSvc.Debit(c.Request.Context(), domain.DebitRequest{
		AccountID:      c.Param("account_id"),
		Amount:         amount,
		Purpose:        strings.TrimSpace(req.Purpose),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		ActorRole:      actorRole(c),
		Metadata:       metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeEntryResult(c, result)
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		AccountID: balance.AccountID,
		Balance:   domain.FormatAmount(balance.Balance),
		UpdatedAt: balance.UpdatedAt,
	}})
}

func (s *Server) ListEntries(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be between 1 and 250"))
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), domain.ListEntriesRequest{
		AccountID: c.Param("account_id"),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries := make([]entryResponse, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		entries = append(entries, newEntryResponse(domain.ResultFromEntry(entry, false)))
	}
	c.JSON(http.StatusOK, gin.H{"data": listEntriesResponse{
		Entries:       entries,
		NextPageToken: resp.NextPageToken,
		HasMore:       resp.HasMore,
	}})
}

func (s *Server) GetEntry(c *gin.Context) {
	entry, err := s.ledgerSvc.GetEntry(c.Request.Context(), c.Param("entry_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newEntryResponse(domain.ResultFromEntry(entry, false))})
}

func (s *Server) Reconcile(c *gin.Context) {
	result, err := s.ledgerSvc.Reconcile(c.Request.Context(), c.Param("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reconcileResponse{
		AccountID:   result.AccountID,
		Balance:     domain.FormatAmount(result.Balance),
		SumOfDeltas: domain.FormatAmount(result.SumOfDeltas),
		EntryCount:  result.EntryCount,
		Consistent:  result.Consistent,
		CheckedAt:   result.CheckedAt,
	}})
}

func writeEntryResult(c *gin.Context, result domain.EntryResult) {
	if result.Replayed {
		c.Header(HeaderReplayed, "true")
		c.Set("idempotent_replayed", true)
	}
	c.JSON(http.StatusOK, gin.H{"data": newEntryResponse(result)})
}

func newEntryResponse(result domain.EntryResult) entryResponse {
	amount := result.Delta
	operation := domain.OperationCredit
	if amount < 0 {
		amount = -amount
		operation = domain.OperationDebit
	}
	return entryResponse{
		ID:            result.ID.String(),
		AccountID:     result.AccountID,
		Operation:     string(operation),
		Amount:        domain.FormatAmount(amount),
		BalanceAfter:  domain.FormatAmount(result.Balance),
		Reason:        result.Reason,
		Purpose:       result.Purpose,
		Metadata:      result.Metadata,
		CreatedByRole: result.ActorRole,
		CreatedAt:     result.CreatedAt,
		Replayed:      result.Replayed,
	}
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}

// parseAmount accepts "12.50" or 12.50 and returns minor units.
func parseAmount(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, domain.ErrInvalidAmount
		}
		return domain.ParseAmount(s)
	}
	if bytes.Equal(raw, []byte("null")) {
		raw = nil
	}
	return domain.ParseAmount(string(raw))
}

// parseMetadata keeps the caller's JSON object as raw bytes so numbers are
// never widened to float64.
func parseMetadata(raw json.RawMessage) (datatypes.JSON, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, newValidationError("metadata", "invalid_metadata", "metadata must be a JSON object")
	}
	return datatypes.JSON(append([]byte(nil), raw...)), nil
}
