// Package dialect описывает возможности конкретной СУБД, которые нужны сервисам истории и блокировок.
// Вместо проверок типа базы данных сервисы опрашивают возможности через интерфейс Dialect.
package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"time"

	"github.com/juju/errors"
	"gorm.io/gorm"
)

const ErrUnknownDialect = errors.ConstError("unknown dialect")

type Dialect interface {
	// Name совпадает с именем gorm.Dialector.
	Name() string
	// VersionQuery возвращает запрос, результатом которого является строка версии сервера.
	VersionQuery() string

	QuoteIdentifier(name string) string
	EscapeTableName(schema, table string) string

	VarcharType(size int) string
	IntType() string
	BooleanType() string
	DateTimeType() string

	// ModifyColumnTypeSQL и SetNotNullSQL возвращают false, если СУБД не умеет изменять колонку на месте.
	ModifyColumnTypeSQL(table, column, columnType string) (string, bool)
	SetNotNullSQL(table, column, columnType string) (string, bool)

	// ServerTime читает текущее время сервера базы данных в UTC.
	ServerTime(ctx context.Context, db *gorm.DB) (time.Time, error)

	// ReportsAccurateRowCounts сообщает, возвращает ли драйвер число совпавших строк,
	// а не только измененных.
	ReportsAccurateRowCounts() bool
	// CanCreateChangeLogTable сообщает, можно ли создавать служебные таблицы из этого процесса.
	CanCreateChangeLogTable() bool
	// HasLegacyBooleanLockColumn сообщает, что колонка LOCKED с указанным типом
	// создана старой версией и должна быть пересоздана.
	HasLegacyBooleanLockColumn(columnType string) bool
	// IsTransient сообщает, что ошибку можно повторить.
	IsTransient(err error) bool
}

// AdvisoryLocker реализуется диалектами, поддерживающими серверные рекомендательные блокировки.
// Блокировка живет на выделенном соединении и снимается сервером при его закрытии.
type AdvisoryLocker interface {
	// MinAdvisoryVersion минимальная версия сервера с поддержкой блокировок.
	MinAdvisoryVersion() (major, minor int)
	TryAdvisoryLock(ctx context.Context, conn *sql.Conn, name string) (bool, error)
	AdvisoryUnlock(ctx context.Context, conn *sql.Conn, name string) error
}

var dialects = map[string]Dialect{
	"postgres": Postgres{},
	"mysql":    MySQL{},
	"sqlite":   SQLite{},
}

// Lookup возвращает диалект по имени gorm.Dialector.
func Lookup(name string) (Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownDialect, "%q", name)
	}
	return d, nil
}

// For определяет диалект по открытому соединению gorm.
func For(db *gorm.DB) (Dialect, error) {
	return Lookup(db.Dialector.Name())
}

func quoteWith(name string, quote string) string {
	return quote + strings.ReplaceAll(name, quote, quote+quote) + quote
}

func escapeTableName(d Dialect, schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
