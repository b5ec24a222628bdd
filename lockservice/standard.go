package lockservice

import (
	"context"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/internal/repository"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// StandardService блокировка на строке таблицы без срока действия.
// Блокировку упавшего процесса снимает только ForceReleaseLock.
type StandardService struct {
	*tableLock
}

func NewStandardService(db *database.Database, cfg config.Lock, opts ...Option) *StandardService {
	return &StandardService{
		tableLock: newTableLock(db, cfg, "standard", false, newOptions(opts)),
	}
}

func (s *StandardService) AcquireLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLock.Load() {
		return true, nil
	}
	if err := s.initLocked(ctx); err != nil {
		return false, err
	}

	rows, err := repository.AcquireLock(
		s.db.DB.WithContext(ctx), s.db.EscapedChangeLogLockTable(), s.clock.Now().UTC(), s.lockedBy,
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
	s.logger.Info("Successfully acquired change log lock", zap.String("lockedBy", s.lockedBy))
	return true, nil
}

func (s *StandardService) WaitForLock(ctx context.Context) error {
	return s.waitForLock(ctx, s.AcquireLock)
}

func (s *StandardService) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLock.Load() {
		return nil
	}
	defer s.hasLock.Store(false)

	rows, err := repository.ReleaseLock(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogLockTable())
	if err != nil {
		return errors.Annotate(err, "releasing change log lock")
	}
	if err := s.verifyReleased(ctx, rows); err != nil {
		return err
	}

	s.logger.Info("Successfully released change log lock")
	return nil
}

func (s *StandardService) ForceReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.initLocked(ctx); err != nil {
		return err
	}
	defer s.hasLock.Store(false)

	s.logger.Warn("Forcing release of change log lock")
	if _, err := repository.ReleaseLock(s.db.DB.WithContext(ctx), s.db.EscapedChangeLogLockTable()); err != nil {
		return errors.Annotate(err, "force releasing change log lock")
	}
	return nil
}

func (s *StandardService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
}

func (s *StandardService) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.destroy(ctx)
}
