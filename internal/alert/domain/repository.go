package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, alert *UsageAlert) error
	FindByKey(ctx context.Context, db *gorm.DB, key AlertKey) (*UsageAlert, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageAlert, error)
	List(ctx context.Context, db *gorm.DB, filter ListAlertsRequest) ([]UsageAlert, error)
	Acknowledge(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
