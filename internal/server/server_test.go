package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type mockLedgerService struct {
	mock.Mock
}

func (m *mockLedgerService) Credit(ctx context.Context, req domain.CreditRequest) (domain.EntryResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.EntryResult), args.Error(1)
}

func (m *mockLedgerService) Debit(ctx context.Context, req domain.DebitRequest) (domain.EntryResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.EntryResult), args.Error(1)
}

func (m *mockLedgerService) GetBalance(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(domain.AccountBalance), args.Error(1)
}

func (m *mockLedgerService) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.LedgerEntry), args.Error(1)
}

func (m *mockLedgerService) ListEntries(ctx context.Context, req domain.ListEntriesRequest) (domain.ListEntriesResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ListEntriesResponse), args.Error(1)
}

func (m *mockLedgerService) Reconcile(ctx context.Context, accountID string) (domain.ReconcileResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(domain.ReconcileResult), args.Error(1)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, svc domain.Service, opts ...func(*ServerParams)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := NewEngine(observability.Config{}, obsmetrics.NewHTTPMetrics(prometheus.NewRegistry()))
	params := ServerParams{
		Gin:       engine,
		Cfg:       config.Config{Ledger: config.LedgerConfig{RetryAfter: time.Second}},
		LedgerSvc: svc,
		Policy:    config.NewStaticPolicyHolder(config.Policy{RetryAfter: 3 * time.Second}),
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params)
	return engine
}

func doRequest(engine *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, _ := json.Marshal(v)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func creditResult(delta, balance int64, replayed bool) domain.EntryResult {
	reason := "signup bonus"
	return domain.EntryResult{
		ID:        snowflake.ID(42),
		AccountID: "acct-1",
		Delta:     delta,
		Balance:   balance,
		Reason:    &reason,
		ActorRole: "admin",
		CreatedAt: testNow,
		Replayed:  replayed,
	}
}

func TestCreditUsesHeaderKeyAndActorRole(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	svc.On("Credit", mock.Anything, domain.CreditRequest{
		AccountID:      "acct-1",
		Amount:         1250,
		Reason:         "signup bonus",
		IdempotencyKey: "header-key",
		ActorRole:      "admin",
	}).Return(creditResult(1250, 1250, false), nil).Once()

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
		`{"amount":"12.50","reason":"signup bonus","idempotency_key":"body-key"}`,
		map[string]string{HeaderIdempotencyKey: "header-key", HeaderActorRole: "Admin"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(HeaderReplayed))

	var resp struct {
		Data entryResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Data.ID)
	assert.Equal(t, "credit", resp.Data.Operation)
	assert.Equal(t, "12.50", resp.Data.Amount)
	assert.Equal(t, "12.50", resp.Data.BalanceAfter)
	assert.False(t, resp.Data.Replayed)
	svc.AssertExpectations(t)
}

func TestCreditAcceptsNumericAmountAndBodyKey(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	svc.On("Credit", mock.Anything, mock.MatchedBy(func(req domain.CreditRequest) bool {
		return req.Amount == 1000 && req.IdempotencyKey == "body-key" && req.ActorRole == domain.DefaultActorRole
	})).Return(creditResult(1000, 1000, true), nil).Once()

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
		`{"amount":10,"reason":"signup bonus","idempotency_key":"body-key"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get(HeaderReplayed))
	svc.AssertExpectations(t)
}

func TestCreditKeepsMetadataNumbersExact(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	var received domain.CreditRequest
	result := creditResult(100, 100, false)
	result.Metadata = datatypes.JSON(`{"order_id":9007199254740993}`)
	svc.On("Credit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { received = args.Get(1).(domain.CreditRequest) }).
		Return(result, nil).Once()

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
		`{"amount":"1","idempotency_key":"meta","metadata":{"order_id":9007199254740993}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"order_id":9007199254740993}`, string(received.Metadata))
	assert.Contains(t, rec.Body.String(), `"order_id":9007199254740993`)
	svc.AssertExpectations(t)
}

func TestMetadataMustBeObject(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
		`{"amount":"1","idempotency_key":"meta","metadata":[1,2]}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	svc.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything)
}

func TestDebitReportsDebitOperation(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	purpose := "api usage"
	svc.On("Debit", mock.Anything, mock.MatchedBy(func(req domain.DebitRequest) bool {
		return req.Amount == 300 && req.Purpose == "api usage" && req.IdempotencyKey == "k-debit"
	})).Return(domain.EntryResult{
		ID:        snowflake.ID(7),
		AccountID: "acct-1",
		Delta:     -300,
		Balance:   700,
		Purpose:   &purpose,
		ActorRole: domain.DefaultActorRole,
		CreatedAt: testNow,
	}, nil).Once()

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/debits",
		map[string]any{"amount": "3", "purpose": "api usage"},
		map[string]string{HeaderIdempotencyKey: "k-debit"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data entryResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "debit", resp.Data.Operation)
	assert.Equal(t, "3.00", resp.Data.Amount)
	assert.Equal(t, "7.00", resp.Data.BalanceAfter)
}

func TestInvalidAmountNeverReachesService(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	for _, body := range []string{
		`{"amount":"abc"}`,
		`{"amount":"-5"}`,
		`{"amount":0}`,
		`{"amount":"1.001"}`,
		`{}`,
	} {
		rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits", body,
			map[string]string{HeaderIdempotencyKey: "k"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, body)
		assert.Equal(t, "invalid_amount", decodeError(t, rec).Type, body)
	}
	svc.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/debits", `{"amount":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestLedgerErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		errType    string
		retryAfter string
	}{
		{"duplicate in flight", domain.ErrDuplicateInFlight, http.StatusConflict, "duplicate_in_flight", "3"},
		{"key collision", domain.ErrKeyCollision, http.StatusConflict, "duplicate_in_flight", "3"},
		{"key reused", domain.ErrIdempotencyKeyReused, http.StatusUnprocessableEntity, "idempotency_key_reused", ""},
		{"replay data missing", domain.ErrReplayDataMissing, http.StatusConflict, "replay_data_missing", ""},
		{"missing key", domain.ErrInvalidIdempotencyKey, http.StatusBadRequest, "validation_error", ""},
		{"bad account", domain.ErrInvalidAccount, http.StatusBadRequest, "validation_error", ""},
		{"transient", errors.Join(domain.ErrTransient, errors.New("connection reset")), http.StatusServiceUnavailable, "service_unavailable", "3"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLedgerService{}
			engine := newTestServer(t, svc)
			svc.On("Credit", mock.Anything, mock.Anything).Return(domain.EntryResult{}, tt.err).Once()

			rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
				`{"amount":"1"}`, map[string]string{HeaderIdempotencyKey: "k"})

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errType, decodeError(t, rec).Type)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestInsufficientBalanceIncludesAmounts(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)
	svc.On("Debit", mock.Anything, mock.Anything).
		Return(domain.EntryResult{}, &domain.InsufficientBalanceError{Requested: 1500, Available: 1000}).Once()

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/debits",
		`{"amount":"15","purpose":"export"}`, map[string]string{HeaderIdempotencyKey: "k"})

	require.Equal(t, http.StatusConflict, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "insufficient_balance", payload.Type)
	assert.Equal(t, "15.00", payload.Requested)
	assert.Equal(t, "10.00", payload.Available)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestGetBalance(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)
	svc.On("GetBalance", mock.Anything, "acct-9").
		Return(domain.AccountBalance{AccountID: "acct-9", Balance: 0, UpdatedAt: testNow}, nil).Once()

	rec := doRequest(engine, http.MethodGet, "/v1/accounts/acct-9/balance", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data balanceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acct-9", resp.Data.AccountID)
	assert.Equal(t, "0.00", resp.Data.Balance)
	assert.True(t, resp.Data.UpdatedAt.Equal(testNow))
}

func TestListEntriesPassesPagination(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)
	svc.On("ListEntries", mock.Anything, domain.ListEntriesRequest{
		AccountID: "acct-1",
		PageToken: "tok",
		PageSize:  2,
	}).Return(domain.ListEntriesResponse{
		PageInfo: pagination.PageInfo{NextPageToken: "next", HasMore: true},
		Entries: []domain.LedgerEntry{
			{ID: 2, AccountID: "acct-1", Delta: -100, BalanceAfter: 400, CreatedByRole: "system", CreatedAt: testNow},
			{ID: 1, AccountID: "acct-1", Delta: 500, BalanceAfter: 500, CreatedByRole: "system", CreatedAt: testNow},
		},
	}, nil).Once()

	rec := doRequest(engine, http.MethodGet, "/v1/accounts/acct-1/entries?page_token=tok&page_size=2", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data listEntriesResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Entries, 2)
	assert.Equal(t, "debit", resp.Data.Entries[0].Operation)
	assert.Equal(t, "next", resp.Data.NextPageToken)
	assert.True(t, resp.Data.HasMore)

	rec = doRequest(engine, http.MethodGet, "/v1/accounts/acct-1/entries?page_size=1000", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEntryNotFound(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)
	svc.On("GetEntry", mock.Anything, "99").Return(domain.LedgerEntry{}, domain.ErrEntryNotFound).Once()
	svc.On("GetEntry", mock.Anything, "nope").Return(domain.LedgerEntry{}, domain.ErrInvalidEntryID).Once()

	rec := doRequest(engine, http.MethodGet, "/v1/entries/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/v1/entries/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcile(t *testing.T) {
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc)
	svc.On("Reconcile", mock.Anything, "acct-1").Return(domain.ReconcileResult{
		AccountID:   "acct-1",
		Balance:     400,
		SumOfDeltas: 400,
		EntryCount:  2,
		Consistent:  true,
		CheckedAt:   testNow,
	}, nil).Once()

	rec := doRequest(engine, http.MethodGet, "/v1/accounts/acct-1/reconciliation", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data reconcileResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Consistent)
	assert.Equal(t, "4.00", resp.Data.SumOfDeltas)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	engine := newTestServer(t, &mockLedgerService{})
	rec := doRequest(engine, http.MethodGet, "/v1/nothing-here", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestHealth(t *testing.T) {
	engine := newTestServer(t, &mockLedgerService{})
	rec := doRequest(engine, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountRateLimitFailsOpenOnRedisError(t *testing.T) {
	client, _ := redismock.NewClientMock()
	limiter := ratelimit.NewAccountLimiter(ratelimit.NewTokenBucket(client), config.NewStaticPolicyHolder(config.Policy{
		RateLimit: config.RateLimitPolicy{Enabled: true, Rate: 1, Burst: 1},
	}))
	svc := &mockLedgerService{}
	engine := newTestServer(t, svc, func(p *ServerParams) { p.AccountLimiter = limiter })
	svc.On("Credit", mock.Anything, mock.Anything).Return(creditResult(100, 100, false), nil).Once()

	// No expectations registered: every Redis call fails.
	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits",
		`{"amount":"1","reason":"r"}`, map[string]string{HeaderIdempotencyKey: "k"})

	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestDenyRateLimitSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	engine.POST("/v1/accounts/:account_id/credits", func(c *gin.Context) {
		denyRateLimit(c, normalizeRateLimitEndpoint(c), rateLimitReasonAccountRate, 1500*time.Millisecond, nil)
	})

	rec := doRequest(engine, http.MethodPost, "/v1/accounts/acct-1/credits", `{}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonAccountRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
}
