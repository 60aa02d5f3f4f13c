package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %q", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestUpMigrationCreatesEveryTable(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_entitlements.up.sql")
	require.NoError(t, err)
	sql := string(raw)

	for _, table := range []string{
		"customer_entitlements",
		"entitlement_rollovers",
		"entitlement_templates",
		"features",
		"feature_credit_links",
		"auto_topup_rules",
		"entitlement_sync_applied",
	} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}

	raw, err = fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_entitlement_reset_tracking.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ADD COLUMN IF NOT EXISTS reset_seq")
	assert.Contains(t, string(raw), "ADD COLUMN IF NOT EXISTS reset_anchor_at")
}

func TestAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	for _, table := range []string{"customer_entitlements", "entitlement_rollovers", "entitlement_sync_applied"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasColumn("customer_entitlements", "reset_seq"))
	assert.True(t, db.Migrator().HasColumn("customer_entitlements", "reset_anchor_at"))

	assert.Error(t, AutoMigrate(nil))
	assert.Error(t, RunMigrations(nil))
}
