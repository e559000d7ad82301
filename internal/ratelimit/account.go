package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
)

const keyAccountMutations = "creditledger:ratelimit:account:%s"

// AccountLimiter throttles balance mutations per account using the rate and
// burst from the current ledger policy.
type AccountLimiter struct {
	bucket *TokenBucket
	policy *config.PolicyHolder
}

func NewAccountLimiter(bucket *TokenBucket, policy *config.PolicyHolder) *AccountLimiter {
	return &AccountLimiter{bucket: bucket, policy: policy}
}

// Enabled is false without Redis or when the policy turns limiting off.
func (l *AccountLimiter) Enabled() bool {
	if l == nil || l.bucket == nil || l.policy == nil {
		return false
	}
	return l.policy.Get().RateLimit.Enabled
}

func (l *AccountLimiter) Allow(ctx context.Context, accountID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	limit := l.policy.Get().RateLimit
	key := fmt.Sprintf(keyAccountMutations, strings.TrimSpace(accountID))
	return l.bucket.Allow(ctx, key, limit.Rate, limit.Burst)
}
