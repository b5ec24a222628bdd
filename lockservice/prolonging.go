package lockservice

import (
	"context"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/internal/repository"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ProlongingService блокировка с ограниченным сроком действия. Пока блокировка захвачена,
// фоновая горутина каждые Prolonging.Rate переносит срок на Prolonging.Staleness вперед
// по часам сервера базы данных. Просроченную блокировку снимает следующая попытка захвата.
type ProlongingService struct {
	*tableLock

	lockedByID  string
	stopProlong func()
}

func NewProlongingService(db *database.Database, cfg config.Lock, opts ...Option) *ProlongingService {
	return &ProlongingService{
		tableLock:  newTableLock(db, cfg, "prolonging", true, newOptions(opts)),
		lockedByID: uuid.NewString(),
	}
}

// LockedByID идентификатор экземпляра, которым помечается захваченная строка.
func (s *ProlongingService) LockedByID() string {
	return s.lockedByID
}

func (s *ProlongingService) AcquireLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLock.Load() {
		return true, nil
	}
	if err := s.initLocked(ctx); err != nil {
		return false, err
	}
	s.stopProlonging()

	db := s.db.DB.WithContext(ctx)
	table := s.db.EscapedChangeLogLockTable()

	now, err := s.db.ServerTime(ctx)
	if err != nil {
		return false, errors.Annotate(err, "reading database time")
	}

	swept, err := repository.SweepStaleLocks(db, table, now)
	if err != nil {
		return false, errors.Annotate(err, "releasing stale change log lock")
	}
	if swept > 0 {
		s.logger.Warn("Released stale change log lock", zap.Time("databaseTime", now))
	}

	rows, err := repository.AcquireExpiringLock(
		db, table, now, now.Add(s.cfg.Prolonging.Staleness), s.lockedBy, s.lockedByID,
	)
	if err != nil {
		return false, errors.Annotate(err, "acquiring change log lock")
	}

	switch {
	case rows == 0:
		return false, nil
	case rows > 1:
		return false, errors.Annotatef(ErrIntegrity, "acquire updated %d rows", rows)
	}

	s.hasLock.Store(true)
	s.startProlonging()
	s.logger.Info("Successfully acquired change log lock",
		zap.String("lockedBy", s.lockedBy),
		zap.String("lockedById", s.lockedByID),
		zap.Duration("rate", s.cfg.Prolonging.Rate),
		zap.Duration("staleness", s.cfg.Prolonging.Staleness),
	)
	return true, nil
}

func (s *ProlongingService) WaitForLock(ctx context.Context) error {
	return s.waitForLock(ctx, s.AcquireLock)
}

// ReleaseLock останавливает продление до снятия блокировки.
func (s *ProlongingService) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProlonging()
	if !s.hasLock.Load() {
		return nil
	}
	defer s.hasLock.Store(false)

	rows, err := repository.ReleaseExpiringLock(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogLockTable(), s.lockedByID)
	if err != nil {
		return errors.Annotate(err, "releasing change log lock")
	}
	if rows != 1 {
		return errors.Annotatef(ErrIntegrity, "lock owned by %s was not held on release", s.lockedByID)
	}

	s.logger.Info("Successfully released change log lock")
	return nil
}

func (s *ProlongingService) ForceReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProlonging()
	if err := s.initLocked(ctx); err != nil {
		return err
	}
	defer s.hasLock.Store(false)

	s.logger.Warn("Forcing release of change log lock")
	if _, err := repository.ForceReleaseExpiringLock(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogLockTable()); err != nil {
		return errors.Annotate(err, "force releasing change log lock")
	}
	return nil
}

func (s *ProlongingService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProlonging()
	s.reset()
}

func (s *ProlongingService) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopProlonging()
	return s.destroy(ctx)
}

// startProlonging вызывается под mu. Горутина продления mu не берет.
func (s *ProlongingService) startProlonging() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.prolongLoop(ctx)
	}()

	s.stopProlong = func() {
		cancel()
		<-done
	}
}

// stopProlonging возвращается только после завершения горутины продления.
func (s *ProlongingService) stopProlonging() {
	if s.stopProlong == nil {
		return
	}
	s.stopProlong()
	s.stopProlong = nil
}

func (s *ProlongingService) prolongLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Prolonging.Rate):
		}

		if !s.prolong(ctx) {
			return
		}
	}
}

// prolong возвращает false, если продление нужно прекратить.
func (s *ProlongingService) prolong(ctx context.Context) bool {
	now, err := s.db.ServerTime(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.metrics.Prolong("error")
		s.logger.Warn("Failed to read database time, lock not prolonged", zap.Error(err))
		return true
	}

	db := s.db.DB.WithContext(ctx)
	table := s.db.EscapedChangeLogLockTable()
	rows, err := repository.ProlongLock(db, table, now.Add(s.cfg.Prolonging.Staleness), s.lockedByID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.metrics.Prolong("error")
		s.logger.Warn("Failed to prolong change log lock", zap.Error(err))
		return true
	}

	if rows == 0 && !s.db.Dialect.ReportsAccurateRowCounts() {
		row, found, err := repository.GetLockRow(db, table, true)
		if err == nil && found && row.Locked && row.LockedByID != nil && *row.LockedByID == s.lockedByID {
			rows = 1
		}
	}

	if rows == 0 {
		s.hasLock.Store(false)
		s.metrics.Prolong("lost")
		s.logger.Error("Change log lock was lost, stopped prolonging", zap.String("lockedById", s.lockedByID))
		return false
	}

	s.metrics.Prolong("prolonged")
	s.logger.Debug("Prolonged change log lock", zap.Time("databaseTime", now))
	return true
}
