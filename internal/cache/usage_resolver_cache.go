// Package cache holds in-process caches for the ingest hot path.
package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"go.uber.org/fx"
)

const (
	defaultMeterEntries = 4096
	defaultMeterTTL     = time.Minute
)

var Module = fx.Module("cache",
	fx.Provide(NewUsageResolverCache),
)

// UsageResolverCache stores meter lookups by (creator, event name). Only
// active meters are cached; deactivation invalidates the entry locally and
// other processes converge within the TTL.
type UsageResolverCache interface {
	GetMeter(creatorID snowflake.ID, eventName string) (*meterdomain.UsageMeter, bool)
	SetMeter(creatorID snowflake.ID, eventName string, meter *meterdomain.UsageMeter)
	InvalidateMeter(creatorID snowflake.ID, eventName string)
}

type usageResolverCache struct {
	meters *lru.LRU[string, meterdomain.UsageMeter]
}

func NewUsageResolverCache() UsageResolverCache {
	return NewUsageResolverCacheWithTTL(defaultMeterEntries, defaultMeterTTL)
}

func NewUsageResolverCacheWithTTL(size int, ttl time.Duration) UsageResolverCache {
	if size <= 0 {
		size = defaultMeterEntries
	}
	return &usageResolverCache{
		meters: lru.NewLRU[string, meterdomain.UsageMeter](size, nil, ttl),
	}
}

func (c *usageResolverCache) GetMeter(creatorID snowflake.ID, eventName string) (*meterdomain.UsageMeter, bool) {
	meter, ok := c.meters.Get(cacheKey(creatorID, eventName))
	if !ok {
		return nil, false
	}
	return &meter, true
}

func (c *usageResolverCache) SetMeter(creatorID snowflake.ID, eventName string, meter *meterdomain.UsageMeter) {
	if meter == nil || !meter.Active {
		return
	}
	c.meters.Add(cacheKey(creatorID, eventName), *meter)
}

func (c *usageResolverCache) InvalidateMeter(creatorID snowflake.ID, eventName string) {
	c.meters.Remove(cacheKey(creatorID, eventName))
}

func cacheKey(creatorID snowflake.ID, eventName string) string {
	return creatorID.String() + "|" + strings.TrimSpace(eventName)
}
