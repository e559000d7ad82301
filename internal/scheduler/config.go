package scheduler

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

// Config controls job schedules and batch sizes. Schedules use robfig/cron
// syntax, including descriptors such as "@every 10m".
type Config struct {
	SweepSchedule     string
	SweepBatchSize    int
	DispatchSchedule  string
	DispatchBatchSize int
	JobTimeout        time.Duration
	LockTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepSchedule:     "@every 10m",
		SweepBatchSize:    500,
		DispatchSchedule:  "@every 2s",
		DispatchBatchSize: 50,
		JobTimeout:        30 * time.Second,
		LockTTL:           time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		SweepSchedule:     cfg.Scheduler.SweepSchedule,
		SweepBatchSize:    cfg.Scheduler.SweepBatchSize,
		DispatchSchedule:  cfg.Scheduler.DispatchSchedule,
		DispatchBatchSize: cfg.Scheduler.DispatchBatchSize,
		JobTimeout:        cfg.Scheduler.JobTimeout,
		LockTTL:           cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SweepSchedule == "" {
		c.SweepSchedule = defaults.SweepSchedule
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.DispatchSchedule == "" {
		c.DispatchSchedule = defaults.DispatchSchedule
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}
