package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/config"
)

const (
	keyBillingCycleLock   = "usagegate:billing:cycle:%s:%s"
	defaultBillingLockTTL = 5 * time.Minute
)

// BillingCycleLocker serialises ProcessBillingCycle per creator and period
// across processes. Without redis every acquisition succeeds.
type BillingCycleLocker struct {
	locker *Locker
	ttl    time.Duration
}

func NewBillingCycleLocker(cfg config.Config, locker *Locker) *BillingCycleLocker {
	ttl := time.Duration(cfg.RateLimit.BillingCycleLockTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultBillingLockTTL
	}
	return &BillingCycleLocker{locker: locker, ttl: ttl}
}

// Acquire returns a release func when the lock was obtained.
func (b *BillingCycleLocker) Acquire(ctx context.Context, creatorID snowflake.ID, billingPeriod string) (func(), bool, error) {
	if b == nil || b.locker == nil {
		return func() {}, true, nil
	}
	key := fmt.Sprintf(keyBillingCycleLock, creatorID.String(), billingPeriod)
	token, ok, err := b.locker.TryLock(ctx, key, b.ttl)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		_ = b.locker.Release(context.WithoutCancel(ctx), key, token)
	}, true, nil
}
