package db_changelog

import (
	"context"

	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/lockservice"
	"github.com/juju/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Update выполняет зарегистрированные наборы изменений в порядке регистрации. Перед выполнением
// захватывается блокировка журнала изменений, затем создается или обновляется таблица истории и
// проверяются суммы всех наборов. Если хотя бы один выполненный набор был изменен без WithRunOnChange,
// ничего не выполняется и возвращается *ValidationError.
//
// Каждый набор выполняется в одной транзакции с записью в историю. При ошибке набора Update
// останавливается, если у набора нет WithContinueOnError.
func (m *MigrationManager) Update(ctx context.Context) error {
	m.logger.Info("Preparing change sets execution")

	return m.withLock(ctx, func(ctx context.Context, lock lockservice.Service, hist history.Service) error {
		plan, err := m.planUpdate(ctx, hist)
		if err != nil {
			return err
		}
		if plan.IsEmpty() {
			m.logger.Info("No change sets to execute, database is up to date")
			return nil
		}

		executed := plan.Len()
		for !plan.IsEmpty() {
			planned := plan.PopFirst()

			if !lock.HasChangeLogLock() {
				return errors.Annotatef(ErrLockLost, "before executing change set %s", planned.changeSet.Key())
			}

			if err = m.executeChangeSet(ctx, hist, planned); err != nil {
				return err
			}
		}

		m.logger.Info("Change sets completed, database is up to date", zap.Int("executed", executed))
		return nil
	})
}

// Status возвращает состояние всех зарегистрированных наборов, ничего не выполняя.
func (m *MigrationManager) Status(ctx context.Context) ([]ChangeSetStatus, error) {
	var statuses []ChangeSetStatus
	err := m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		planner := updatePlanner{manager: m, history: hist}

		var err error
		statuses, err = planner.Statuses(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// Validate проверяет наборы и суммы так же, как Update, ничего не выполняя.
func (m *MigrationManager) Validate(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		_, err := m.planUpdate(ctx, hist)
		return err
	})
}

// ChangeLogSync помечает все ожидающие выполнения наборы как MARK_RAN, не выполняя их.
// Используется, когда схема уже приведена в нужное состояние вручную.
func (m *MigrationManager) ChangeLogSync(ctx context.Context) error {
	return m.markRan(ctx, -1)
}

// MarkNextChangeSetRan помечает как MARK_RAN только следующий ожидающий набор.
func (m *MigrationManager) MarkNextChangeSetRan(ctx context.Context) error {
	return m.markRan(ctx, 1)
}

// Tag помечает последний выполненный набор тегом, к которому можно откатиться RollbackToTag.
func (m *MigrationManager) Tag(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.NotValidf("empty tag")
	}

	return m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		if err := hist.Tag(ctx, tag); err != nil {
			return err
		}
		m.logger.Info("Tagged change log", zap.String("tag", tag))
		return nil
	})
}

func (m *MigrationManager) TagExists(ctx context.Context, tag string) (bool, error) {
	var exists bool
	err := m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		var err error
		exists, err = hist.TagExists(ctx, tag)
		return err
	})
	return exists, err
}

// ClearCheckSums очищает суммы в истории. При следующем запуске они будут посчитаны заново
// по текущим наборам, что снимает ошибки INVALID_MD5SUM.
func (m *MigrationManager) ClearCheckSums(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		return hist.ClearAllCheckSums(ctx)
	})
}

// ListLocks возвращает текущих владельцев блокировки. Блокировка при этом не захватывается.
func (m *MigrationManager) ListLocks(ctx context.Context) ([]lockservice.DatabaseChangeLogLock, error) {
	lock, err := m.lockRegistry.ServiceFor(m.db)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return lock.ListLocks(ctx)
}

// ReleaseLocks снимает блокировку независимо от владельца. Нужна после аварийного завершения
// процесса, который держал блокировку без срока действия.
func (m *MigrationManager) ReleaseLocks(ctx context.Context) error {
	lock, err := m.lockRegistry.ServiceFor(m.db)
	if err != nil {
		return errors.Trace(err)
	}

	m.logger.Warn("Force releasing change log lock")
	return lock.ForceReleaseLock(ctx)
}

// Destroy удаляет таблицы истории и блокировки.
func (m *MigrationManager) Destroy(ctx context.Context) error {
	hist, err := m.historyRegistry.ServiceFor(m.db)
	if err != nil {
		return errors.Trace(err)
	}
	lock, err := m.lockRegistry.ServiceFor(m.db)
	if err != nil {
		return errors.Trace(err)
	}

	if err = hist.Destroy(ctx); err != nil {
		return err
	}
	return lock.Destroy(ctx)
}

// withLock выполняет f под блокировкой журнала изменений со свежим сервисом истории.
// Блокировка снимается и при ошибке f, и при отмене ctx.
func (m *MigrationManager) withLock(
	ctx context.Context,
	f func(ctx context.Context, lock lockservice.Service, hist history.Service) error,
) (err error) {
	lock, err := m.lockRegistry.ServiceFor(m.db)
	if err != nil {
		return errors.Trace(err)
	}

	if err = lock.WaitForLock(ctx); err != nil {
		return err
	}
	defer func() {
		releaseErr := lock.ReleaseLock(context.WithoutCancel(ctx))
		if releaseErr != nil {
			m.logger.Error("Failed to release change log lock", zap.Error(releaseErr))
			err = multierr.Append(err, releaseErr)
		}
	}()

	// история могла измениться, пока блокировку держал другой процесс
	m.historyRegistry.ResetAll()
	hist, err := m.historyRegistry.ServiceFor(m.db)
	if err != nil {
		return errors.Trace(err)
	}

	err = hist.EnsureHistoryTable(ctx, m.cfg.UpdateNullCheckSums, m.changeLog, m.filter())
	if err != nil {
		return err
	}
	return f(ctx, lock, hist)
}

func (m *MigrationManager) planUpdate(ctx context.Context, hist history.Service) (changeSetsPlan, error) {
	planner := updatePlanner{
		manager: m,
		history: hist,
	}
	return planner.MakePlan(ctx)
}

// markRan записывает limit ожидающих наборов как MARK_RAN, при limit < 0 все.
func (m *MigrationManager) markRan(ctx context.Context, limit int) error {
	return m.withLock(ctx, func(ctx context.Context, _ lockservice.Service, hist history.Service) error {
		plan, err := m.planUpdate(ctx, hist)
		if err != nil {
			return err
		}

		marked := 0
		for !plan.IsEmpty() && (limit < 0 || marked < limit) {
			planned := plan.PopFirst()
			if planned.status == history.StatusAlreadyRan {
				continue
			}

			if err = hist.MarkExecuted(ctx, nil, planned.changeSet, history.ExecTypeMarkRan); err != nil {
				return err
			}
			m.metrics.ChangeSet(string(history.ExecTypeMarkRan))
			m.logger.Info("Marked change set as ran", zap.Stringer("changeSet", planned.changeSet.Key()))
			marked++
		}

		if marked == 0 {
			m.logger.Info("No change sets to mark as ran")
		}
		return nil
	})
}

func (m *MigrationManager) executeChangeSet(ctx context.Context, hist history.Service, planned plannedChangeSet) error {
	cs := planned.changeSet
	m.logger.Info(
		"Executing change set",
		zap.Stringer("changeSet", cs.Key()),
		zap.String("execType", string(planned.execType)),
		zap.Bool("transactional", cs.transactional),
	)

	err := m.inTransaction(ctx, cs.transactional, func(db *gorm.DB) error {
		if err := cs.migrate(ctx, db); err != nil {
			return errors.Annotatef(err, "executing change set %s", cs.Key())
		}
		return hist.MarkExecuted(ctx, db, cs, planned.execType)
	})
	if err == nil {
		m.metrics.ChangeSet(string(planned.execType))
		m.logger.Info("Change set complete", zap.Stringer("changeSet", cs.Key()))
		return nil
	}

	// откат транзакции отменил и запись в историю, но не кэш сервиса
	hist.Reset()

	var historyErr *history.DatabaseHistoryError
	if !cs.continueOnError || errors.As(err, &historyErr) {
		m.logger.Error("Change set failed", zap.Stringer("changeSet", cs.Key()), zap.Error(err))
		return err
	}

	m.logger.Warn("Change set failed, continuing", zap.Stringer("changeSet", cs.Key()), zap.Error(err))
	if markErr := hist.MarkExecuted(ctx, nil, cs, history.ExecTypeFailed); markErr != nil {
		return multierr.Append(err, markErr)
	}
	m.metrics.ChangeSet(string(history.ExecTypeFailed))
	return nil
}

// inTransaction выполняет f в транзакции или, для нетранзакционных наборов, прямо на соединении.
func (m *MigrationManager) inTransaction(ctx context.Context, transactional bool, f func(db *gorm.DB) error) error {
	db := m.db.DB.WithContext(ctx)
	if !transactional {
		return f(db)
	}
	return db.Transaction(f)
}
