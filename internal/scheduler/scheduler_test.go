package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/events"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type countingPublisher struct {
	published int
}

func (p *countingPublisher) Publish(context.Context, events.Message) error {
	p.published++
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&domain.IdempotencyRecord{}, &events.OutboxEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestScheduler(t *testing.T, cfg Config, locker *ratelimit.Locker) (*Scheduler, *gorm.DB, *clock.FakeClock, *countingPublisher) {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "creditledger", Environment: "test"})

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	publisher := &countingPublisher{}
	ledgerMetrics := obsmetrics.NewLedgerMetrics(registry)

	s, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		Idempotency: repository.ProvideIdempotency(),
		Dispatcher: events.NewDispatcher(events.DispatcherParams{
			DB:        db,
			Log:       zap.NewNop(),
			Clock:     fake,
			Publisher: publisher,
			Metrics:   ledgerMetrics,
		}),
		Locker:        locker,
		LedgerMetrics: ledgerMetrics,
		Config:        cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, db, fake, publisher
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{}, nil)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "creditledger",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, "creditledger_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "creditledger",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, "creditledger_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsErrors(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{}, nil)

	boom := errors.New("boom")
	err := s.runJob(context.Background(), "failing_job", 1, time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "failing_job:") {
		t.Fatalf("expected job name prefix, got %q", err.Error())
	}
}

func TestIdempotencySweepDeletesExpiredKeysInBatches(t *testing.T) {
	s, db, fake, _ := newTestScheduler(t, Config{SweepBatchSize: 2}, nil)
	repo := repository.ProvideIdempotency()
	ctx := context.Background()
	now := fake.Now()

	for i := 0; i < 5; i++ {
		ttl := -time.Minute
		if i == 4 {
			ttl = time.Hour
		}
		claimed, _, err := repo.TryClaim(ctx, db, &domain.IdempotencyRecord{
			Key:         fmt.Sprintf("sweep-%d", i),
			Operation:   domain.OperationCredit,
			AccountID:   "acct",
			Fingerprint: strings.Repeat("f", 64),
			CreatedAt:   now.Add(-25 * time.Hour),
			UpdatedAt:   now.Add(-25 * time.Hour),
			ExpiresAt:   now.Add(ttl),
		})
		if err != nil || !claimed {
			t.Fatalf("claim %d: claimed=%v err=%v", i, claimed, err)
		}
	}

	if err := s.runJob(ctx, JobIdempotencySweep, 2, time.Second, s.IdempotencySweepJob); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var remaining []domain.IdempotencyRecord
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Key != "sweep-4" {
		t.Fatalf("expected only the unexpired key to remain, got %+v", remaining)
	}

	labels := map[string]string{
		"service":  "creditledger",
		"env":      "test",
		"job":      JobIdempotencySweep,
		"resource": "idempotency_keys",
	}
	if got := getCounterValue(t, "creditledger_scheduler_batch_processed_total", labels); got != 4 {
		t.Fatalf("expected 4 swept keys, got %v", got)
	}
}

func TestOutboxDispatchJobPublishesPending(t *testing.T) {
	s, db, fake, publisher := newTestScheduler(t, Config{}, nil)
	node, _ := snowflake.NewNode(2)
	outbox := events.NewOutbox(events.OutboxParams{GenID: node, Clock: fake})

	for i := 0; i < 3; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			return outbox.PublishTx(context.Background(), tx, events.Event{
				AccountID: "acct",
				Type:      events.EventLedgerEntryCredited,
				DedupeKey: fmt.Sprintf("ledger_entry:%d", i),
			})
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if publisher.published != 3 {
		t.Fatalf("expected 3 published events, got %d", publisher.published)
	}
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s, _, _, _ := newTestScheduler(t, Config{LockTTL: time.Minute, JobTimeout: time.Second}, ratelimit.NewLocker(client))

	mock.Regexp().ExpectSetNX("creditledger:lock:scheduler:"+JobOutboxDispatch, `.+`, time.Minute).SetVal(false)

	called := false
	err := s.runJob(context.Background(), JobOutboxDispatch, 1, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if called {
		t.Fatalf("job must not run while another replica holds the lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations: %v", err)
	}

	labels := map[string]string{
		"service": "creditledger",
		"env":     "test",
		"job":     JobOutboxDispatch,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonLockHeld,
	}
	if got := getCounterValue(t, "creditledger_scheduler_batch_deferred_total", labels); got != 1 {
		t.Fatalf("expected deferred count 1, got %v", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 2 * time.Minute}.withDefaults()
	if cfg.SweepSchedule != "@every 10m" || cfg.DispatchSchedule != "@every 2s" {
		t.Fatalf("unexpected schedules: %+v", cfg)
	}
	if cfg.LockTTL != 2*time.Minute {
		t.Fatalf("lock ttl must cover the job timeout, got %v", cfg.LockTTL)
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{SweepSchedule: "every tuesday"}, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	_ = s.Stop(context.Background())
}

var activeRegistry *prometheus.Registry

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	activeRegistry = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
		activeRegistry = nil
	}
}

func getCounterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := activeRegistry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
