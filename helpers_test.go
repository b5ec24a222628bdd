package db_changelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/history"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Lock.WaitTime = 2 * time.Second
	cfg.Lock.PollInterval = 20 * time.Millisecond
	return cfg
}

func newTestPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "changelog.db")
}

func openTestGorm(t *testing.T, path string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestManager(t *testing.T, path string, opts ...ManagerOption) *MigrationManager {
	t.Helper()

	manager, err := NewMigrationsManager(openTestGorm(t, path), append([]ManagerOption{WithConfig(testConfig())}, opts...)...)
	require.NoError(t, err)
	return manager
}

func createTable(name string) *ChangeSet {
	return NewChangeSet("changelog.go", name, "tester",
		WithSQL("CREATE TABLE "+name+" (id INTEGER PRIMARY KEY, name TEXT)"),
		WithRollbackSQL("DROP TABLE "+name),
	)
}

func hasTable(t *testing.T, m *MigrationManager, name string) bool {
	t.Helper()
	return m.Database().DB.Migrator().HasTable(name)
}

// ranChangeSets читает историю новым сервисом, минуя кэш управляющего.
func ranChangeSets(t *testing.T, db *database.Database) []history.RanChangeSet {
	t.Helper()

	ran, err := history.NewStandardService(db).RanChangeSets(context.Background())
	require.NoError(t, err)
	return ran
}

func ranIDs(ran []history.RanChangeSet) []string {
	ids := make([]string, 0, len(ran))
	for _, r := range ran {
		ids = append(ids, r.ID)
	}
	return ids
}
