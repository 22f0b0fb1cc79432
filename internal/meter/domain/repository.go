package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, meter *UsageMeter) error
	Deactivate(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID, at time.Time) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageMeter, error)
	FindByEventName(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, eventName string) (*UsageMeter, error)
	ListActive(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]UsageMeter, error)

	UpsertPlanLimit(ctx context.Context, db *gorm.DB, limit *MeterPlanLimit) error
	FindPlanLimit(ctx context.Context, db *gorm.DB, meterID snowflake.ID, planName string) (*MeterPlanLimit, error)
	ListPlanLimits(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]MeterPlanLimit, error)
}
