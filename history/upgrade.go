package history

import (
	"context"
	"strconv"
	"strings"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/internal/repository"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// upgradeStatement одно изменение схемы таблицы истории. Пустой sql означает,
// что СУБД не умеет выполнить изменение и его нужно пропустить.
type upgradeStatement struct {
	description string
	sql         string
	args        []any
}

func (s *StandardService) ensureTable(ctx context.Context) error {
	db := s.db.DB.WithContext(ctx)
	table := s.db.EscapedChangeLogTable()

	if !repository.HasTable(db, s.db.QualifiedChangeLogTable()) {
		ddl := repository.CreateChangeLogTableSQL(s.db.Dialect, table)
		if !s.db.CanCreateChangeLogTable() {
			return historyError("create table", errors.Errorf(
				"cannot create %s automatically, apply the following statement manually:\n%s", table, ddl,
			))
		}

		s.logger.Info("Creating change log table", zap.String("table", table))
		if err := db.Exec(ddl).Error; err != nil {
			return historyError("create table", err)
		}

		hasTable := true
		s.hasTable = &hasTable
		return nil
	}

	columns, err := repository.Columns(db, s.db.QualifiedChangeLogTable())
	if err != nil {
		return historyError("read columns", err)
	}

	statements := s.upgradeStatements(table, columns)
	if len(statements) > 0 && !s.db.CanCreateChangeLogTable() {
		manual := make([]string, 0, len(statements))
		for _, stmt := range statements {
			if stmt.sql != "" {
				manual = append(manual, stmt.sql+";")
			}
		}
		return historyError("upgrade table", errors.Errorf(
			"cannot upgrade %s automatically, apply the following statements manually:\n%s",
			table, strings.Join(manual, "\n"),
		))
	}

	// каждое изменение фиксируется отдельно, чтобы частичное обновление пережило сбой
	for _, stmt := range statements {
		if stmt.sql == "" {
			s.logger.Info("Skipping change log table upgrade not supported by database",
				zap.String("upgrade", stmt.description),
				zap.String("database", s.db.ProductName()),
			)
			continue
		}

		s.logger.Info("Upgrading change log table", zap.String("upgrade", stmt.description))
		if err := db.Exec(stmt.sql, stmt.args...).Error; err != nil {
			return historyError(stmt.description, err)
		}
	}

	if err := s.invalidateIncompatibleCheckSums(db, table); err != nil {
		return err
	}

	hasTable := true
	s.hasTable = &hasTable
	return nil
}

func (s *StandardService) upgradeStatements(table string, columns map[string]gorm.ColumnType) []upgradeStatement {
	d := s.db.Dialect
	var statements []upgradeStatement

	addColumn := func(column, columnType string) {
		if _, ok := columns[column]; ok {
			return
		}
		statements = append(statements, upgradeStatement{
			description: "add column " + column,
			sql:         repository.AddColumnSQL(d, table, column, columnType),
		})
	}
	modifyColumn := func(column, columnType string) {
		stmt, _ := d.ModifyColumnTypeSQL(table, column, columnType)
		statements = append(statements, upgradeStatement{
			description: "resize column " + column,
			sql:         stmt,
		})
	}
	backfillNotNull := func(column, columnType string, value any) {
		statements = append(statements, upgradeStatement{
			description: "backfill column " + column,
			sql:         "UPDATE " + table + " SET " + column + " = ?",
			args:        []any{value},
		})
		stmt, _ := d.SetNotNullSQL(table, column, columnType)
		statements = append(statements, upgradeStatement{
			description: "set not null on " + column,
			sql:         stmt,
		})
	}

	addColumn("description", d.VarcharType(255))
	addColumn("tag", d.VarcharType(255))
	addColumn("comments", d.VarcharType(255))
	addColumn("liquibase", d.VarcharType(20))
	addColumn("contexts", d.VarcharType(255))
	addColumn("labels", d.VarcharType(255))
	addColumn("deployment_id", d.VarcharType(10))

	if _, ok := columns["orderexecuted"]; !ok {
		addColumn("orderexecuted", d.IntType())
		backfillNotNull("orderexecuted", d.IntType(), -1)
	}
	if _, ok := columns["exectype"]; !ok {
		addColumn("exectype", d.VarcharType(10))
		backfillNotNull("exectype", d.VarcharType(10), string(ExecTypeExecuted))
	}

	if column, ok := columns["md5sum"]; ok && columnTooSmall(column, 35) {
		modifyColumn("md5sum", d.VarcharType(35))
	}
	if column, ok := columns["liquibase"]; ok && columnTooSmall(column, 20) {
		modifyColumn("liquibase", d.VarcharType(20))
	}

	return statements
}

// invalidateIncompatibleCheckSums обнуляет все суммы, если хотя бы одна вычислена другой версией алгоритма.
// Пересчитать сумму старым алгоритмом нельзя: определение набора изменений могло измениться.
func (s *StandardService) invalidateIncompatibleCheckSums(db *gorm.DB, table string) error {
	stale, found, err := repository.FirstIncompatibleCheckSum(db, table, strconv.Itoa(checksum.CurrentVersion)+":")
	if err != nil {
		return historyError("read checksums", err)
	}
	if !found {
		return nil
	}

	s.logger.Info("Found checksum computed by an incompatible algorithm, clearing all checksums",
		zap.String("checksum", stale),
		zap.Int("currentVersion", checksum.CurrentVersion),
	)
	if err := repository.ClearCheckSums(db, table); err != nil {
		return historyError("clear checksums", err)
	}
	s.ranChangeSets = nil
	return nil
}

func columnTooSmall(column gorm.ColumnType, size int64) bool {
	length, ok := column.Length()
	return ok && length > 0 && length < size
}
