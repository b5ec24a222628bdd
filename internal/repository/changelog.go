package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Maksumys/db-changelog/dialect"
	"github.com/Maksumys/db-changelog/internal/models"
	"gorm.io/gorm"
)

// Функции пакета принимают экранированное имя таблицы (table) для сырых запросов
// и имя в форме gorm.Migrator (qualified) для интроспекции.

const changeLogColumns = "id, author, filename, dateexecuted, orderexecuted, exectype, md5sum, " +
	"description, comments, tag, liquibase, contexts, labels, deployment_id"

type Key struct {
	ID       string
	Author   string
	FileName string
}

func HasTable(db *gorm.DB, qualified string) bool {
	return db.Migrator().HasTable(qualified)
}

// Columns возвращает колонки таблицы по имени в нижнем регистре.
func Columns(db *gorm.DB, qualified string) (map[string]gorm.ColumnType, error) {
	columnTypes, err := db.Migrator().ColumnTypes(qualified)
	if err != nil {
		return nil, err
	}

	columns := make(map[string]gorm.ColumnType, len(columnTypes))
	for _, column := range columnTypes {
		columns[strings.ToLower(column.Name())] = column
	}
	return columns, nil
}

func CreateChangeLogTableSQL(d dialect.Dialect, table string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
	id %s NOT NULL,
	author %s NOT NULL,
	filename %s NOT NULL,
	dateexecuted %s NOT NULL,
	orderexecuted %s NOT NULL,
	exectype %s NOT NULL,
	md5sum %s,
	description %s,
	comments %s,
	tag %s,
	liquibase %s,
	contexts %s,
	labels %s,
	deployment_id %s
)`,
		table,
		d.VarcharType(255),
		d.VarcharType(255),
		d.VarcharType(255),
		d.DateTimeType(),
		d.IntType(),
		d.VarcharType(10),
		d.VarcharType(35),
		d.VarcharType(255),
		d.VarcharType(255),
		d.VarcharType(255),
		d.VarcharType(20),
		d.VarcharType(255),
		d.VarcharType(255),
		d.VarcharType(10),
	)
}

func AddColumnSQL(d dialect.Dialect, table, column, columnType string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, d.QuoteIdentifier(column), columnType)
}

func GetChangeLogSorted(db *gorm.DB, table string) ([]models.ChangeLogModel, error) {
	var rows []models.ChangeLogModel
	err := db.Raw(fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY dateexecuted ASC, orderexecuted ASC",
		changeLogColumns, table,
	)).Scan(&rows).Error
	return rows, err
}

func GetMaxOrderExecuted(db *gorm.DB, table string) (int, error) {
	var maxOrder sql.NullInt64
	err := db.Raw(fmt.Sprintf("SELECT MAX(orderexecuted) FROM %s", table)).Row().Scan(&maxOrder)
	if err != nil {
		return 0, err
	}
	return int(maxOrder.Int64), nil
}

func InsertChangeLog(db *gorm.DB, table string, model *models.ChangeLogModel) error {
	return db.Exec(
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", table, changeLogColumns),
		model.ChangeSetID,
		model.Author,
		model.FileName,
		model.DateExecuted,
		model.OrderExecuted,
		model.ExecType,
		model.MD5Sum,
		model.Description,
		model.Comments,
		model.Tag,
		model.ToolVersion,
		model.Contexts,
		model.Labels,
		model.DeploymentID,
	).Error
}

// UpdateChangeLogExecuted перезаписывает результат повторного выполнения существующей строки.
func UpdateChangeLogExecuted(db *gorm.DB, table string, model *models.ChangeLogModel) (int64, error) {
	result := db.Exec(
		fmt.Sprintf(
			"UPDATE %s SET dateexecuted = ?, orderexecuted = ?, exectype = ?, md5sum = ?, deployment_id = ? "+
				"WHERE id = ? AND author = ? AND filename = ?",
			table,
		),
		model.DateExecuted,
		model.OrderExecuted,
		model.ExecType,
		model.MD5Sum,
		model.DeploymentID,
		model.ChangeSetID,
		model.Author,
		model.FileName,
	)
	return result.RowsAffected, result.Error
}

func DeleteChangeLog(db *gorm.DB, table string, key Key) error {
	return db.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE id = ? AND author = ? AND filename = ?", table),
		key.ID, key.Author, key.FileName,
	).Error
}

func UpdateCheckSum(db *gorm.DB, table string, key Key, checkSum string) error {
	return db.Exec(
		fmt.Sprintf("UPDATE %s SET md5sum = ? WHERE id = ? AND author = ? AND filename = ?", table),
		checkSum, key.ID, key.Author, key.FileName,
	).Error
}

func ClearCheckSums(db *gorm.DB, table string) error {
	return db.Exec(fmt.Sprintf("UPDATE %s SET md5sum = NULL", table)).Error
}

// FirstIncompatibleCheckSum ищет сохраненную сумму, вычисленную другой версией алгоритма.
func FirstIncompatibleCheckSum(db *gorm.DB, table string, currentPrefix string) (string, bool, error) {
	var rows []string
	err := db.Raw(
		fmt.Sprintf("SELECT md5sum FROM %s WHERE md5sum IS NOT NULL AND md5sum NOT LIKE ? LIMIT 1", table),
		currentPrefix+"%",
	).Scan(&rows).Error
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0], true, nil
}

func UpdateTag(db *gorm.DB, table string, key Key, tag string) error {
	return db.Exec(
		fmt.Sprintf("UPDATE %s SET tag = ? WHERE id = ? AND author = ? AND filename = ?", table),
		tag, key.ID, key.Author, key.FileName,
	).Error
}

func CountTag(db *gorm.DB, table string, tag string) (int64, error) {
	var count int64
	err := db.Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tag = ?", table), tag).Row().Scan(&count)
	return count, err
}

func DropTable(db *gorm.DB, table string) error {
	return db.Exec(fmt.Sprintf("DROP TABLE %s", table)).Error
}
