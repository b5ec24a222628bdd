package repository

import (
	"fmt"
	"time"

	"github.com/Maksumys/db-changelog/dialect"
	"github.com/Maksumys/db-changelog/internal/models"
	"gorm.io/gorm"
)

const lockRowID = 1

func CreateLockTableSQL(d dialect.Dialect, table string, withExpiry bool) string {
	expiry := ""
	if withExpiry {
		expiry = fmt.Sprintf(",\n\tlockexpires %s,\n\tlockedbyid %s", d.DateTimeType(), d.VarcharType(36))
	}

	return fmt.Sprintf(`CREATE TABLE %s (
	id %s NOT NULL PRIMARY KEY,
	locked %s NOT NULL,
	lockgranted %s,
	lockedby %s%s
)`,
		table,
		d.IntType(),
		d.BooleanType(),
		d.DateTimeType(),
		d.VarcharType(255),
		expiry,
	)
}

func CountLockRows(db *gorm.DB, table string) (int64, error) {
	var count int64
	err := db.Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Row().Scan(&count)
	return count, err
}

func InitLockRow(db *gorm.DB, table string) error {
	return db.Exec(fmt.Sprintf("INSERT INTO %s (id, locked) VALUES (?, ?)", table), lockRowID, false).Error
}

// AcquireLock единственный атомарный UPDATE, число затронутых строк определяет победителя.
func AcquireLock(db *gorm.DB, table string, granted time.Time, lockedBy string) (int64, error) {
	result := db.Exec(
		fmt.Sprintf("UPDATE %s SET locked = ?, lockgranted = ?, lockedby = ? WHERE id = ? AND locked = ?", table),
		true, granted, lockedBy, lockRowID, false,
	)
	return result.RowsAffected, result.Error
}

func AcquireExpiringLock(
	db *gorm.DB,
	table string,
	granted, expires time.Time,
	lockedBy, lockedByID string,
) (int64, error) {
	result := db.Exec(
		fmt.Sprintf(
			"UPDATE %s SET locked = ?, lockgranted = ?, lockedby = ?, lockexpires = ?, lockedbyid = ? "+
				"WHERE id = ? AND locked = ?",
			table,
		),
		true, granted, lockedBy, expires, lockedByID, lockRowID, false,
	)
	return result.RowsAffected, result.Error
}

func ProlongLock(db *gorm.DB, table string, expires time.Time, lockedByID string) (int64, error) {
	result := db.Exec(
		fmt.Sprintf("UPDATE %s SET lockexpires = ? WHERE id = ? AND locked = ? AND lockedbyid = ?", table),
		expires, lockRowID, true, lockedByID,
	)
	return result.RowsAffected, result.Error
}

func ReleaseLock(db *gorm.DB, table string) (int64, error) {
	result := db.Exec(
		fmt.Sprintf("UPDATE %s SET locked = ?, lockgranted = NULL, lockedby = NULL WHERE id = ?", table),
		false, lockRowID,
	)
	return result.RowsAffected, result.Error
}

// ReleaseExpiringLock снимает блокировку, только если она принадлежит lockedByID.
func ReleaseExpiringLock(db *gorm.DB, table string, lockedByID string) (int64, error) {
	result := db.Exec(
		fmt.Sprintf(
			"UPDATE %s SET locked = ?, lockgranted = NULL, lockedby = NULL, lockexpires = NULL, lockedbyid = NULL "+
				"WHERE id = ? AND lockedbyid = ?",
			table,
		),
		false, lockRowID, lockedByID,
	)
	return result.RowsAffected, result.Error
}

func ForceReleaseExpiringLock(db *gorm.DB, table string) (int64, error) {
	result := db.Exec(
		fmt.Sprintf(
			"UPDATE %s SET locked = ?, lockgranted = NULL, lockedby = NULL, lockexpires = NULL, lockedbyid = NULL "+
				"WHERE id = ?",
			table,
		),
		false, lockRowID,
	)
	return result.RowsAffected, result.Error
}

// SweepStaleLocks снимает блокировки, срок которых истек к моменту now по часам сервера.
func SweepStaleLocks(db *gorm.DB, table string, now time.Time) (int64, error) {
	result := db.Exec(
		fmt.Sprintf(
			"UPDATE %s SET locked = ?, lockgranted = NULL, lockedby = NULL, lockexpires = NULL, lockedbyid = NULL "+
				"WHERE locked = ? AND lockexpires IS NOT NULL AND lockexpires < ?",
			table,
		),
		false, true, now,
	)
	return result.RowsAffected, result.Error
}

func GetLockRow(db *gorm.DB, table string, withExpiry bool) (models.ChangeLogLockModel, bool, error) {
	columns := "id, locked, lockgranted, lockedby"
	if withExpiry {
		columns += ", lockexpires, lockedbyid"
	}

	var rows []models.ChangeLogLockModel
	err := db.Raw(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", columns, table), lockRowID).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return models.ChangeLogLockModel{}, false, err
	}
	return rows[0], true, nil
}

func GetHeldLocks(db *gorm.DB, table string, withExpiry bool) ([]models.ChangeLogLockModel, error) {
	columns := "id, locked, lockgranted, lockedby"
	if withExpiry {
		columns += ", lockexpires, lockedbyid"
	}

	var rows []models.ChangeLogLockModel
	err := db.Raw(fmt.Sprintf("SELECT %s FROM %s WHERE locked = ?", columns, table), true).Scan(&rows).Error
	return rows, err
}
