package repository

import (
	"context"
	"time"

	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const taskColumns = `id, meter_id, user_id, billing_period, status, version, attempts, last_error,
	available_at, created_at, updated_at`

type taskRepo struct{}

func ProvideRecomputeTasks() usagedomain.RecomputeTaskRepository {
	return &taskRepo{}
}

// Enqueue inserts the task or re-arms the existing row for the same key.
func (r *taskRepo) Enqueue(ctx context.Context, db *gorm.DB, task *usagedomain.RecomputeTask) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "meter_id"}, {Name: "user_id"}, {Name: "billing_period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":       usagedomain.RecomputeStatusPending,
			"version":      gorm.Expr("usage_recompute_tasks.version + 1"),
			"attempts":     0,
			"last_error":   "",
			"available_at": task.AvailableAt,
			"updated_at":   task.UpdatedAt,
		}),
	}).Create(task).Error
}

func (r *taskRepo) Find(ctx context.Context, db *gorm.DB, key usagedomain.RecomputeKey) (*usagedomain.RecomputeTask, error) {
	var task usagedomain.RecomputeTask
	err := db.WithContext(ctx).Raw(
		`SELECT `+taskColumns+` FROM usage_recompute_tasks
		 WHERE meter_id = ? AND user_id = ? AND billing_period = ?`,
		key.MeterID,
		key.UserID,
		key.BillingPeriod,
	).Scan(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ListPending(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]usagedomain.RecomputeTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []usagedomain.RecomputeTask
	err := db.WithContext(ctx).Raw(
		`SELECT `+taskColumns+` FROM usage_recompute_tasks
		 WHERE status = ? AND available_at <= ?
		 ORDER BY available_at ASC, id ASC
		 LIMIT ?`,
		usagedomain.RecomputeStatusPending,
		now,
		limit,
	).Scan(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkDone completes the task only if no event re-armed it since version was read.
func (r *taskRepo) MarkDone(ctx context.Context, db *gorm.DB, key usagedomain.RecomputeKey, version int64, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_recompute_tasks
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE meter_id = ? AND user_id = ? AND billing_period = ? AND version = ?`,
		usagedomain.RecomputeStatusDone,
		"",
		at,
		key.MeterID,
		key.UserID,
		key.BillingPeriod,
		version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *taskRepo) MarkFailed(ctx context.Context, db *gorm.DB, key usagedomain.RecomputeKey, version int64, lastError string, availableAt, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_recompute_tasks
		 SET attempts = attempts + 1, last_error = ?, available_at = ?, updated_at = ?
		 WHERE meter_id = ? AND user_id = ? AND billing_period = ? AND version = ?`,
		lastError,
		availableAt,
		at,
		key.MeterID,
		key.UserID,
		key.BillingPeriod,
		version,
	).Error
}
