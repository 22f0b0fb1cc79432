package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Key struct {
	CustomerID    string
	CreatorID     snowflake.ID
	TierID        snowflake.ID
	MeterID       snowflake.ID
	BillingPeriod string
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, overage *TierUsageOverage) error
	FindByKey(ctx context.Context, db *gorm.DB, key Key) (*TierUsageOverage, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TierUsageOverage, error)
	List(ctx context.Context, db *gorm.DB, filter ListOveragesRequest) ([]TierUsageOverage, error)
	MarkBilled(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) error
}
