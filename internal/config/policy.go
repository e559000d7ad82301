package config

import (
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy is the runtime-tunable part of the ledger configuration. It is read
// from ledger.yml and swapped atomically whenever the file changes.
type Policy struct {
	IdempotencyTTL time.Duration   `mapstructure:"idempotency_ttl"`
	RetryAfter     time.Duration   `mapstructure:"retry_after"`
	MaxAmount      string          `mapstructure:"max_amount"`
	RateLimit      RateLimitPolicy `mapstructure:"rate_limit"`
}

type RateLimitPolicy struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// DefaultPolicy derives the policy used when no ledger.yml is present.
func DefaultPolicy(cfg Config) Policy {
	return Policy{
		IdempotencyTTL: cfg.Ledger.IdempotencyTTL,
		RetryAfter:     cfg.Ledger.RetryAfter,
		RateLimit: RateLimitPolicy{
			Enabled: false,
			Rate:    50,
			Burst:   100,
		},
	}
}

// MaxAmountDecimal returns the configured per-operation ceiling, if any.
func (p Policy) MaxAmountDecimal() (decimal.Decimal, bool) {
	raw := strings.TrimSpace(p.MaxAmount)
	if raw == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads. Used by tests and
// by callers that do not want file watching.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	if cfg.Ledger.PolicyFile != "" {
		v.SetConfigFile(filepath.Clean(cfg.Ledger.PolicyFile))
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy(cfg)
	v.SetDefault("ledger.idempotency_ttl", defaults.IdempotencyTTL)
	v.SetDefault("ledger.retry_after", defaults.RetryAfter)
	v.SetDefault("ledger.max_amount", "")
	v.SetDefault("ledger.rate_limit.enabled", defaults.RateLimit.Enabled)
	v.SetDefault("ledger.rate_limit.rate", defaults.RateLimit.Rate)
	v.SetDefault("ledger.rate_limit.burst", defaults.RateLimit.Burst)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy Policy
	if err := v.UnmarshalKey("ledger", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !fileLoaded {
		log.Info("ledger policy file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	if p.IdempotencyTTL <= 0 {
		return errors.New("ledger.idempotency_ttl must be positive")
	}
	if p.RetryAfter <= 0 {
		return errors.New("ledger.retry_after must be positive")
	}
	if raw := strings.TrimSpace(p.MaxAmount); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return errors.New("ledger.max_amount must be a decimal")
		}
		if !d.IsPositive() {
			return errors.New("ledger.max_amount must be positive")
		}
	}
	if p.RateLimit.Enabled {
		if p.RateLimit.Rate <= 0 || p.RateLimit.Burst <= 0 {
			return errors.New("ledger.rate_limit requires positive rate and burst")
		}
	}
	return nil
}
