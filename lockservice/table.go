package lockservice

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/internal/models"
	"github.com/Maksumys/db-changelog/internal/repository"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const initAttempts = 10

// tableLock общая часть блокировок на строке служебной таблицы.
type tableLock struct {
	options

	db         *database.Database
	cfg        config.Lock
	strategy   string
	withExpiry bool

	// mu сериализует операции экземпляра, hasLock читается без него.
	mu           sync.Mutex
	hasLock      atomic.Bool
	tableEnsured bool
}

func newTableLock(db *database.Database, cfg config.Lock, strategy string, withExpiry bool, o options) *tableLock {
	return &tableLock{
		options:    o,
		db:         db,
		cfg:        cfg,
		strategy:   strategy,
		withExpiry: withExpiry,
	}
}

func (t *tableLock) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.initLocked(ctx)
}

// initLocked повторяет подготовку таблицы: несколько процессов могут одновременно
// создавать таблицу или вставлять единственную строку.
func (t *tableLock) initLocked(ctx context.Context) error {
	if t.tableEnsured {
		return nil
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return t.ensureTable(ctx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errors.NotSupported) || errors.Is(err, ErrIntegrity)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			t.logger.Debug("Failed to initialize change log lock table, retrying",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		},
		Attempts: initAttempts,
		Delay:    time.Millisecond,
		BackoffFunc: func(time.Duration, int) time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
		Clock: t.clock,
		Stop:  ctx.Done(),
	})
	if err != nil {
		return errors.Annotate(unwrapRetry(err), "initializing change log lock table")
	}

	t.tableEnsured = true
	return nil
}

func (t *tableLock) ensureTable(ctx context.Context) error {
	db := t.db.DB.WithContext(ctx)
	table := t.db.EscapedChangeLogLockTable()
	qualified := t.db.QualifiedChangeLogLockTable()

	if !repository.HasTable(db, qualified) {
		if err := t.createTable(db, table); err != nil {
			return err
		}
	} else if err := t.upgradeTable(db, table, qualified); err != nil {
		return err
	}

	count, err := repository.CountLockRows(db, table)
	if err != nil {
		return errors.Trace(err)
	}
	switch {
	case count == 0:
		return errors.Trace(repository.InitLockRow(db, table))
	case count > 1:
		return errors.Annotatef(ErrIntegrity, "%s contains %d rows", table, count)
	}
	return nil
}

func (t *tableLock) createTable(db *gorm.DB, table string) error {
	ddl := repository.CreateLockTableSQL(t.db.Dialect, table, t.withExpiry)
	if !t.db.CanCreateChangeLogTable() {
		return errors.NewNotSupported(nil, fmt.Sprintf(
			"cannot create %s automatically, apply the following statement manually:\n%s", table, ddl,
		))
	}

	t.logger.Info("Creating change log lock table", zap.String("table", table))
	return errors.Trace(db.Exec(ddl).Error)
}

func (t *tableLock) upgradeTable(db *gorm.DB, table, qualified string) error {
	columns, err := repository.Columns(db, qualified)
	if err != nil {
		return errors.Trace(err)
	}

	// таблица старой версии хранит LOCKED числом, строку можно пересоздать без потерь
	if locked, ok := columns["locked"]; ok && t.db.Dialect.HasLegacyBooleanLockColumn(locked.DatabaseTypeName()) {
		if !t.db.CanCreateChangeLogTable() {
			return errors.NewNotSupported(nil, fmt.Sprintf(
				"%s has a legacy LOCKED column of type %s, recreate it manually", table, locked.DatabaseTypeName(),
			))
		}
		t.logger.Info("Recreating change log lock table with legacy LOCKED column",
			zap.String("table", table),
			zap.String("columnType", locked.DatabaseTypeName()),
		)
		if err := repository.DropTable(db, table); err != nil {
			return errors.Trace(err)
		}
		return t.createTable(db, table)
	}

	if !t.withExpiry {
		return nil
	}

	missing := map[string]string{
		"lockexpires": t.db.Dialect.DateTimeType(),
		"lockedbyid":  t.db.Dialect.VarcharType(36),
	}
	for _, column := range []string{"lockexpires", "lockedbyid"} {
		if _, ok := columns[column]; ok {
			continue
		}
		stmt := repository.AddColumnSQL(t.db.Dialect, table, column, missing[column])
		if !t.db.CanCreateChangeLogTable() {
			return errors.NewNotSupported(nil, fmt.Sprintf(
				"cannot upgrade %s automatically, apply the following statement manually:\n%s;", table, stmt,
			))
		}
		t.logger.Info("Adding change log lock column", zap.String("table", table), zap.String("column", column))
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *tableLock) HasChangeLogLock() bool {
	return t.hasLock.Load()
}

func (t *tableLock) ListLocks(ctx context.Context) ([]DatabaseChangeLogLock, error) {
	db := t.db.DB.WithContext(ctx)
	if !repository.HasTable(db, t.db.QualifiedChangeLogLockTable()) {
		return nil, nil
	}

	rows, err := repository.GetHeldLocks(db, t.db.EscapedChangeLogLockTable(), t.withExpiry)
	if err != nil {
		return nil, errors.Annotate(err, "listing change log locks")
	}

	locks := make([]DatabaseChangeLogLock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, fromLockModel(row))
	}
	return locks, nil
}

func (t *tableLock) waitForLock(ctx context.Context, acquire func(context.Context) (bool, error)) error {
	return waitForLock(ctx, t.cfg, t.options, lockAttempt{
		strategy:    t.strategy,
		acquire:     acquire,
		listLocks:   t.ListLocks,
		isTransient: t.db.Dialect.IsTransient,
	})
}

// verifyReleased проверяет результат снятия блокировки. Драйверы, сообщающие
// число измененных строк, возвращают 0 и для уже свободной строки, тогда состояние читается заново.
func (t *tableLock) verifyReleased(ctx context.Context, rows int64) error {
	if rows == 1 {
		return nil
	}
	if rows == 0 && !t.db.Dialect.ReportsAccurateRowCounts() {
		row, found, err := repository.GetLockRow(t.db.DB.WithContext(ctx), t.db.EscapedChangeLogLockTable(), false)
		if err != nil {
			return errors.Annotate(err, "verifying change log lock release")
		}
		if found && !row.Locked {
			return nil
		}
	}
	return errors.Annotatef(ErrIntegrity, "release updated %d rows instead of 1", rows)
}

func (t *tableLock) reset() {
	t.hasLock.Store(false)
	t.tableEnsured = false
}

func (t *tableLock) destroy(ctx context.Context) error {
	db := t.db.DB.WithContext(ctx)
	if repository.HasTable(db, t.db.QualifiedChangeLogLockTable()) {
		t.logger.Info("Dropping change log lock table", zap.String("table", t.db.EscapedChangeLogLockTable()))
		if err := repository.DropTable(db, t.db.EscapedChangeLogLockTable()); err != nil {
			return errors.Annotate(err, "dropping change log lock table")
		}
	}
	t.reset()
	return nil
}

func fromLockModel(row models.ChangeLogLockModel) DatabaseChangeLogLock {
	lock := DatabaseChangeLogLock{
		ID:          row.ID,
		LockExpires: row.LockExpires,
	}
	if row.LockGranted != nil {
		lock.LockGranted = *row.LockGranted
	}
	if row.LockedBy != nil {
		lock.LockedBy = *row.LockedBy
	}
	if row.LockedByID != nil {
		lock.LockedByID = *row.LockedByID
	}
	return lock
}
