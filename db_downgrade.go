package db_changelog

import (
	"context"

	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/lockservice"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RollbackCount отменяет count последних выполненных наборов в обратном порядке и удаляет их из истории.
// Перед откатом проверяется, что у каждого набора есть откат, иначе ничего не выполняется.
func (m *MigrationManager) RollbackCount(ctx context.Context, count int) error {
	m.logger.Info("Preparing rollback execution", zap.Int("count", count))

	return m.withLock(ctx, func(ctx context.Context, lock lockservice.Service, hist history.Service) error {
		planner := rollbackPlanner{manager: m, history: hist}
		plan, err := planner.PlanCount(ctx, count)
		if err != nil {
			return err
		}
		return m.executeRollbackPlan(ctx, lock, hist, plan)
	})
}

// RollbackToTag отменяет все наборы, выполненные после набора с тегом tag.
func (m *MigrationManager) RollbackToTag(ctx context.Context, tag string) error {
	m.logger.Info("Preparing rollback execution", zap.String("tag", tag))

	return m.withLock(ctx, func(ctx context.Context, lock lockservice.Service, hist history.Service) error {
		planner := rollbackPlanner{manager: m, history: hist}
		plan, err := planner.PlanToTag(ctx, tag)
		if err != nil {
			return err
		}
		return m.executeRollbackPlan(ctx, lock, hist, plan)
	})
}

func (m *MigrationManager) executeRollbackPlan(
	ctx context.Context,
	lock lockservice.Service,
	hist history.Service,
	plan changeSetsPlan,
) error {
	rolledBack := plan.Len()
	for !plan.IsEmpty() {
		planned := plan.PopFirst()

		if !lock.HasChangeLogLock() {
			return errors.Annotatef(ErrLockLost, "before rolling back change set %s", planned.ran.Key)
		}

		if err := m.executeRollback(ctx, hist, planned); err != nil {
			return err
		}
	}

	m.logger.Info("Rollback completed", zap.Int("rolledBack", rolledBack))
	return nil
}

func (m *MigrationManager) executeRollback(ctx context.Context, hist history.Service, planned plannedChangeSet) error {
	cs := planned.changeSet
	if cs == nil {
		m.logger.Info("Removing history row", zap.Stringer("changeSet", planned.ran.Key))
		return hist.RemoveRanStatus(ctx, nil, ranEntry{ran: *planned.ran})
	}

	m.logger.Info(
		"Rolling back change set",
		zap.Stringer("changeSet", cs.Key()),
		zap.Bool("transactional", cs.transactional),
	)

	err := m.inTransaction(ctx, cs.transactional, func(db *gorm.DB) error {
		if err := cs.rollback(ctx, db); err != nil {
			return errors.Annotatef(err, "rolling back change set %s", cs.Key())
		}
		return hist.RemoveRanStatus(ctx, db, cs)
	})
	if err != nil {
		hist.Reset()
		m.logger.Error("Rollback failed", zap.Stringer("changeSet", cs.Key()), zap.Error(err))
		return err
	}

	m.logger.Info("Rollback complete", zap.Stringer("changeSet", cs.Key()))
	return nil
}
