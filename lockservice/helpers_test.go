package lockservice

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/dialect"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLockConfig() config.Lock {
	return config.Lock{
		WaitTime:     2 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Prolonging: config.Prolonging{
			Rate:      time.Hour,
			Staleness: 2 * time.Hour,
		},
	}
}

func newTestPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "lock.db")
}

// openTestDB открывает отдельное подключение к файлу path, как сделал бы другой процесс.
func openTestDB(t *testing.T, path string, opts ...database.Option) *database.Database {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	db, err := database.New(gormDB, opts...)
	require.NoError(t, err)
	return db
}

// inaccurateRowsSQLite ведет себя как драйвер, сообщающий только измененные строки.
type inaccurateRowsSQLite struct {
	dialect.SQLite
}

func (inaccurateRowsSQLite) ReportsAccurateRowCounts() bool { return false }

// zeroRowsAffected обнуляет RowsAffected у Exec на db, пока включен возвращаемый флаг.
func zeroRowsAffected(t *testing.T, db *database.Database) *atomic.Bool {
	t.Helper()

	var enabled atomic.Bool
	err := db.DB.Callback().Raw().After("gorm:raw").Register("test:zero_rows_affected", func(tx *gorm.DB) {
		if enabled.Load() {
			tx.RowsAffected = 0
		}
	})
	require.NoError(t, err)
	return &enabled
}
