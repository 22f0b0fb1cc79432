package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Ensure inserts record unless its key already exists.
	Ensure(ctx context.Context, db *gorm.DB, record *UsageBillingSync) error
	FindByKey(ctx context.Context, db *gorm.DB, key Key) (*UsageBillingSync, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageBillingSync, error)
	Update(ctx context.Context, db *gorm.DB, record *UsageBillingSync) error
	List(ctx context.Context, db *gorm.DB, filter ListSyncRequest) ([]UsageBillingSync, error)
	ListFailed(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, maxAttempts int, limit int) ([]UsageBillingSync, error)
	ListRetryDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts int, limit int) ([]UsageBillingSync, error)
}
