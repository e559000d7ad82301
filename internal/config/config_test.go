package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "DATABASE_TYPE", "REDIS_ADDR", "AMQP_URL",
		"LEDGER_IDEMPOTENCY_TTL", "LEDGER_RETRY_AFTER",
		"SCHEDULER_ENABLED", "SCHEDULER_SWEEP_SCHEDULE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DBType)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.IdempotencyTTL)
	assert.Equal(t, time.Second, cfg.Ledger.RetryAfter)
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "@every 10m", cfg.Scheduler.SweepSchedule)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("REDIS_ADDR", " localhost:6379 ")
	t.Setenv("SNOWFLAKE_NODE", "7")
	t.Setenv("LEDGER_IDEMPOTENCY_TTL", "2h")
	t.Setenv("LEDGER_RETRY_AFTER", "not-a-duration")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("SCHEDULER_SWEEP_BATCH_SIZE", "25")
	t.Setenv("ENVIRONMENT", "Production")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, int64(7), cfg.SnowflakeNode)
	assert.Equal(t, 2*time.Hour, cfg.Ledger.IdempotencyTTL)
	assert.Equal(t, time.Second, cfg.Ledger.RetryAfter)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 25, cfg.Scheduler.SweepBatchSize)
	assert.True(t, cfg.IsProduction())
}
