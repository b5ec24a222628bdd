package dialect

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const sqliteTimeLayout = "2006-01-02 15:04:05.000"

type SQLite struct{}

func (SQLite) Name() string         { return "sqlite" }
func (SQLite) VersionQuery() string { return "SELECT sqlite_version()" }

func (SQLite) QuoteIdentifier(name string) string {
	return quoteWith(name, `"`)
}

// SQLite не поддерживает схемы в понимании остальных СУБД.
func (d SQLite) EscapeTableName(_, table string) string {
	return d.QuoteIdentifier(table)
}

func (SQLite) VarcharType(size int) string { return fmt.Sprintf("VARCHAR(%d)", size) }
func (SQLite) IntType() string             { return "INTEGER" }
func (SQLite) BooleanType() string         { return "BOOLEAN" }
func (SQLite) DateTimeType() string        { return "DATETIME" }

func (SQLite) ModifyColumnTypeSQL(string, string, string) (string, bool) { return "", false }
func (SQLite) SetNotNullSQL(string, string, string) (string, bool)       { return "", false }

func (SQLite) ServerTime(ctx context.Context, db *gorm.DB) (time.Time, error) {
	var now string
	err := db.WithContext(ctx).Raw("SELECT strftime('%Y-%m-%d %H:%M:%f', 'now')").Row().Scan(&now)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "reading server time")
	}
	parsed, err := time.ParseInLocation(sqliteTimeLayout, now, time.UTC)
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "parsing server time %q", now)
	}
	return parsed, nil
}

func (SQLite) ReportsAccurateRowCounts() bool         { return true }
func (SQLite) CanCreateChangeLogTable() bool          { return true }
func (SQLite) HasLegacyBooleanLockColumn(string) bool { return false }

func (SQLite) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return isBadConn(err)
}
