package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/usagegate/internal/config"
)

const keyUsageIngestCreator = "usagegate:ingest:creator:%s"

// UsageIngestLimiter applies a per-creator token bucket to TrackUsage.
type UsageIngestLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &UsageIngestLimiter{}, nil
	}
	if client == nil {
		return nil, errors.New("usage ingest rate limit requires REDIS_ADDR")
	}
	if limitCfg.UsageIngestRate <= 0 || limitCfg.UsageIngestBurst <= 0 {
		return nil, errors.New("usage ingest rate limit must be positive")
	}
	return &UsageIngestLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.UsageIngestRate,
		burst:   limitCfg.UsageIngestBurst,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UsageIngestLimiter) Allow(ctx context.Context, creatorID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestCreator, creatorID.String()), l.rate, l.burst)
}
