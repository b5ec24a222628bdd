package dialect

import (
	"context"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}

	_, err := Lookup("oracle")
	assert.ErrorIs(t, err, ErrUnknownDialect)
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"databasechangelog"`, Postgres{}.QuoteIdentifier("databasechangelog"))
	assert.Equal(t, `"we""ird"`, Postgres{}.QuoteIdentifier(`we"ird`))
	assert.Equal(t, "`databasechangelog`", MySQL{}.QuoteIdentifier("databasechangelog"))

	assert.Equal(t, `"public"."databasechangelog"`, Postgres{}.EscapeTableName("public", "databasechangelog"))
	assert.Equal(t, "`app`.`databasechangelog`", MySQL{}.EscapeTableName("app", "databasechangelog"))
	assert.Equal(t, `"databasechangelog"`, SQLite{}.EscapeTableName("main", "databasechangelog"))
}

func TestColumnAlteration(t *testing.T) {
	stmt, ok := Postgres{}.ModifyColumnTypeSQL(`"t"`, "md5sum", "VARCHAR(35)")
	assert.True(t, ok)
	assert.Equal(t, `ALTER TABLE "t" ALTER COLUMN "md5sum" TYPE VARCHAR(35)`, stmt)

	stmt, ok = MySQL{}.SetNotNullSQL("`t`", "orderexecuted", "INT")
	assert.True(t, ok)
	assert.Equal(t, "ALTER TABLE `t` MODIFY `orderexecuted` INT NOT NULL", stmt)

	_, ok = SQLite{}.ModifyColumnTypeSQL(`"t"`, "md5sum", "VARCHAR(35)")
	assert.False(t, ok)
	_, ok = SQLite{}.SetNotNullSQL(`"t"`, "exectype", "VARCHAR(10)")
	assert.False(t, ok)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		dialect   Dialect
		err       error
		transient bool
	}{
		{name: "pg deadlock", dialect: Postgres{}, err: &pgconn.PgError{Code: "40P01"}, transient: true},
		{name: "pg lock not available", dialect: Postgres{}, err: &pgconn.PgError{Code: "55P03"}, transient: true},
		{name: "pg unique violation", dialect: Postgres{}, err: &pgconn.PgError{Code: "23505"}},
		{name: "mysql deadlock", dialect: MySQL{}, err: &mysql.MySQLError{Number: 1213}, transient: true},
		{name: "mysql syntax", dialect: MySQL{}, err: &mysql.MySQLError{Number: 1064}},
		{name: "sqlite busy", dialect: SQLite{}, err: sqlite3.Error{Code: sqlite3.ErrBusy}, transient: true},
		{name: "sqlite constraint", dialect: SQLite{}, err: sqlite3.Error{Code: sqlite3.ErrConstraint}},
		{name: "wrapped bad conn", dialect: SQLite{}, err: fmt.Errorf("exec: %w", driver.ErrBadConn), transient: true},
		{name: "nil", dialect: MySQL{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.dialect.IsTransient(tt.err))
		})
	}
}

func TestAdvisorySupport(t *testing.T) {
	var locker AdvisoryLocker = Postgres{}
	major, minor := locker.MinAdvisoryVersion()
	assert.Equal(t, []int{8, 2}, []int{major, minor})

	locker = MySQL{}
	major, minor = locker.MinAdvisoryVersion()
	assert.Equal(t, []int{5, 7}, []int{major, minor})

	_, ok := Dialect(SQLite{}).(AdvisoryLocker)
	assert.False(t, ok)
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	assert.Equal(t, advisoryKey("databasechangeloglock"), advisoryKey("databasechangeloglock"))
	assert.NotEqual(t, advisoryKey("databasechangeloglock"), advisoryKey("other"))
}

func TestLegacyBooleanColumn(t *testing.T) {
	assert.True(t, Postgres{}.HasLegacyBooleanLockColumn("int2"))
	assert.False(t, Postgres{}.HasLegacyBooleanLockColumn("bool"))
	assert.False(t, MySQL{}.HasLegacyBooleanLockColumn("tinyint"))
}

func TestSQLiteServerTime(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "time.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	now, err := SQLite{}.ServerTime(context.Background(), db)
	require.NoError(t, err)

	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now().UTC(), now, time.Minute)
}

func TestMySQLLockNameFitsLimit(t *testing.T) {
	assert.Equal(t, "app.databasechangeloglock", mysqlLockName("`app`.`databasechangeloglock`"))

	prefix := strings.Repeat("s", 60) + "."
	first := mysqlLockName(prefix + "first_lock_table")
	second := mysqlLockName(prefix + "second_lock_table")
	assert.Len(t, first, mysqlLockNameLimit)
	assert.Len(t, second, mysqlLockNameLimit)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, strings.Repeat("s", 55)))
	assert.Equal(t, first, mysqlLockName(prefix+"first_lock_table"))
}
