package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"gorm.io/gorm"
)

const mysqlLockNameLimit = 64

type MySQL struct{}

func (MySQL) Name() string         { return "mysql" }
func (MySQL) VersionQuery() string { return "SELECT VERSION()" }

func (MySQL) QuoteIdentifier(name string) string {
	return quoteWith(name, "`")
}

func (d MySQL) EscapeTableName(schema, table string) string {
	return escapeTableName(d, schema, table)
}

func (MySQL) VarcharType(size int) string { return fmt.Sprintf("VARCHAR(%d)", size) }
func (MySQL) IntType() string             { return "INT" }
func (MySQL) BooleanType() string         { return "BOOLEAN" }
func (MySQL) DateTimeType() string        { return "DATETIME(6)" }

func (d MySQL) ModifyColumnTypeSQL(table, column, columnType string) (string, bool) {
	return fmt.Sprintf("ALTER TABLE %s MODIFY %s %s", table, d.QuoteIdentifier(column), columnType), true
}

func (d MySQL) SetNotNullSQL(table, column, columnType string) (string, bool) {
	return fmt.Sprintf("ALTER TABLE %s MODIFY %s %s NOT NULL", table, d.QuoteIdentifier(column), columnType), true
}

// ServerTime требует parseTime=true в DSN, см. database.OpenMySQL.
func (MySQL) ServerTime(ctx context.Context, db *gorm.DB) (time.Time, error) {
	var now time.Time
	err := db.WithContext(ctx).Raw("SELECT UTC_TIMESTAMP(6)").Row().Scan(&now)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "reading server time")
	}
	return time.Date(
		now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC,
	), nil
}

// Без CLIENT_FOUND_ROWS сервер возвращает число измененных строк:
// UPDATE, не изменивший значений, вернет 0.
func (MySQL) ReportsAccurateRowCounts() bool { return false }
func (MySQL) CanCreateChangeLogTable() bool  { return true }

func (MySQL) HasLegacyBooleanLockColumn(string) bool { return false }

func (MySQL) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, // ER_LOCK_WAIT_TIMEOUT
			1213, // ER_LOCK_DEADLOCK
			2006, // CR_SERVER_GONE_ERROR
			2013: // CR_SERVER_LOST
			return true
		}
		return false
	}
	return errors.Is(err, mysql.ErrInvalidConn) || isBadConn(err)
}

// GET_LOCK с несколькими именами в одной сессии работает начиная с 5.7.
func (MySQL) MinAdvisoryVersion() (major, minor int) { return 5, 7 }

func (MySQL) TryAdvisoryLock(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var acquired sql.NullInt64
	err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", mysqlLockName(name)).Scan(&acquired)
	if err != nil {
		return false, errors.Annotate(err, "GET_LOCK")
	}
	return acquired.Valid && acquired.Int64 == 1, nil
}

func (MySQL) AdvisoryUnlock(ctx context.Context, conn *sql.Conn, name string) error {
	var released sql.NullInt64
	err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", mysqlLockName(name)).Scan(&released)
	if err != nil {
		return errors.Annotate(err, "RELEASE_LOCK")
	}
	if !released.Valid || released.Int64 != 1 {
		return errors.Errorf("advisory lock %q was not held by this session", name)
	}
	return nil
}

func mysqlLockName(name string) string {
	name = strings.ReplaceAll(name, "`", "")
	if len(name) <= mysqlLockNameLimit {
		return name
	}
	// длинное имя: префикс и хэш полного имени, чтобы разные таблицы не совпали
	suffix := fmt.Sprintf("_%08x", uint32(advisoryKey(name)))
	return name[:mysqlLockNameLimit-len(suffix)] + suffix
}
