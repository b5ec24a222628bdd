package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/errors"
	"gorm.io/gorm"
)

type Postgres struct{}

func (Postgres) Name() string         { return "postgres" }
func (Postgres) VersionQuery() string { return "SHOW server_version" }

func (Postgres) QuoteIdentifier(name string) string {
	return quoteWith(name, `"`)
}

func (d Postgres) EscapeTableName(schema, table string) string {
	return escapeTableName(d, schema, table)
}

func (Postgres) VarcharType(size int) string { return fmt.Sprintf("VARCHAR(%d)", size) }
func (Postgres) IntType() string             { return "INTEGER" }
func (Postgres) BooleanType() string         { return "BOOLEAN" }
func (Postgres) DateTimeType() string        { return "TIMESTAMP" }

func (d Postgres) ModifyColumnTypeSQL(table, column, columnType string) (string, bool) {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", table, d.QuoteIdentifier(column), columnType), true
}

func (d Postgres) SetNotNullSQL(table, column, _ string) (string, bool) {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", table, d.QuoteIdentifier(column)), true
}

func (Postgres) ServerTime(ctx context.Context, db *gorm.DB) (time.Time, error) {
	var now time.Time
	err := db.WithContext(ctx).Raw("SELECT CURRENT_TIMESTAMP").Row().Scan(&now)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "reading server time")
	}
	return now.UTC(), nil
}

func (Postgres) ReportsAccurateRowCounts() bool { return true }
func (Postgres) CanCreateChangeLogTable() bool  { return true }

// Старые версии создавали LOCKED как целочисленную колонку.
func (Postgres) HasLegacyBooleanLockColumn(columnType string) bool {
	switch strings.ToUpper(columnType) {
	case "INT2", "SMALLINT", "INT4", "INTEGER":
		return true
	}
	return false
}

func (Postgres) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"): // serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case pgErr.Code == "55P03": // lock_not_available
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || isBadConn(err)
}

func (Postgres) MinAdvisoryVersion() (major, minor int) { return 8, 2 }

func (Postgres) TryAdvisoryLock(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var acquired bool
	err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryKey(name)).Scan(&acquired)
	if err != nil {
		return false, errors.Annotate(err, "pg_try_advisory_lock")
	}
	return acquired, nil
}

func (Postgres) AdvisoryUnlock(ctx context.Context, conn *sql.Conn, name string) error {
	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryKey(name)).Scan(&released)
	if err != nil {
		return errors.Annotate(err, "pg_advisory_unlock")
	}
	if !released {
		return errors.Errorf("advisory lock %q was not held by this session", name)
	}
	return nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	// fnv always writes with no error
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
