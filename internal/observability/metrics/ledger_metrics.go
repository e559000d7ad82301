package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeApplied             = "applied"
	OutcomeReplayed            = "replayed"
	OutcomeInFlight            = "in_flight"
	OutcomeKeyReused           = "key_reused"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeInvalidAmount       = "invalid_amount"
	OutcomeInvalidRequest      = "invalid_request"
	OutcomeReplayDataMissing   = "replay_data_missing"
	OutcomeError               = "error"
)

const (
	IdempotencyClaimed   = "claimed"
	IdempotencyCollision = "collision"
	IdempotencyReleased  = "released"
	IdempotencyFinalized = "finalized"
	IdempotencySwept     = "swept"
)

const LockResourceBalance = "balance"

// LedgerMetrics exposes Prometheus counters for ledger mutations, the
// idempotency key lifecycle and the outbox.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	idempotency    *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
	outboxDispatch *prometheus.CounterVec
	outboxBacklog  prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics registered on the default registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = NewLedgerMetrics(prometheus.DefaultRegisterer)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_operations_total",
		Help: "Ledger mutations by operation and outcome.",
	}, []string{"operation", "outcome"})
	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditledger_operation_duration_seconds",
		Help:    "End-to-end latency of ledger mutations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	idempotency := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_idempotency_keys_total",
		Help: "Idempotency key lifecycle transitions.",
	}, []string{"transition"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditledger_db_lock_wait_seconds",
		Help:    "Time spent acquiring row locks.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"resource"})
	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_outbox_dispatch_total",
		Help: "Outbox events handed to the publisher by status.",
	}, []string{"status"})
	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "creditledger_outbox_backlog",
		Help: "Pending outbox events seen by the last dispatch run.",
	})

	registerer.MustRegister(operations, opDuration, idempotency, lockWait, outboxDispatch, outboxBacklog)

	return &LedgerMetrics{
		operations:     operations,
		opDuration:     opDuration,
		idempotency:    idempotency,
		lockWait:       lockWait,
		outboxDispatch: outboxDispatch,
		outboxBacklog:  outboxBacklog,
	}
}

func (m *LedgerMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = sanitizeLabel(operation)
	m.operations.WithLabelValues(operation, sanitizeLabel(outcome)).Inc()
	m.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *LedgerMetrics) IncIdempotency(transition string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(sanitizeLabel(transition)).Inc()
}

func (m *LedgerMetrics) AddIdempotency(transition string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.idempotency.WithLabelValues(sanitizeLabel(transition)).Add(float64(count))
}

func (m *LedgerMetrics) ObserveLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(sanitizeLabel(resource)).Observe(duration.Seconds())
}

func (m *LedgerMetrics) AddOutboxDispatch(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outboxDispatch.WithLabelValues(sanitizeLabel(status)).Add(float64(count))
}

func (m *LedgerMetrics) SetOutboxBacklog(value int64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(value))
}

func sanitizeLabel(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return "unknown"
	}
	return val
}
