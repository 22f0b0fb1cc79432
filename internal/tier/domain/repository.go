package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertTier(ctx context.Context, db *gorm.DB, tier *SubscriptionTier) error
	FindTierByID(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID) (*SubscriptionTier, error)
	FindTierByName(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, name string) (*SubscriptionTier, error)
	FindDefaultTier(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (*SubscriptionTier, error)
	ListTiers(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]SubscriptionTier, error)
	SetDefaultTier(ctx context.Context, db *gorm.DB, creatorID, id snowflake.ID, at time.Time) error

	UpsertAssignment(ctx context.Context, db *gorm.DB, assignment *CustomerTierAssignment) error
	FindAssignment(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, customerID string) (*CustomerTierAssignment, error)
	FindAssignmentByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CustomerTierAssignment, error)
	ListAssignmentsByStatus(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, statuses []AssignmentStatus) ([]CustomerTierAssignment, error)
	ListDueAssignments(ctx context.Context, db *gorm.DB, now time.Time, statuses []AssignmentStatus, limit int) ([]CustomerTierAssignment, error)
	UpdateAssignmentLifecycle(ctx context.Context, db *gorm.DB, assignment *CustomerTierAssignment) error
}
