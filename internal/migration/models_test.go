package migration

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAutoMigrateSqlite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migrate.db")), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{
		"usage_meters",
		"meter_plan_limits",
		"subscription_tiers",
		"customer_tier_assignments",
		"usage_events",
		"usage_aggregates",
		"usage_recompute_tasks",
		"usage_alerts",
		"tier_usage_overages",
		"usage_billing_syncs",
	} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir(migrationsDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
