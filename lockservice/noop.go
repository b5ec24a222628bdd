package lockservice

import (
	"context"
	"sync/atomic"

	"github.com/Maksumys/db-changelog/database"
	"go.uber.org/zap"
)

// NoopService ничего не блокирует. Используется, когда координация отключена конфигурацией;
// при параллельных развертываниях небезопасна.
type NoopService struct {
	options

	db      *database.Database
	hasLock atomic.Bool
}

func NewNoopService(db *database.Database, opts ...Option) *NoopService {
	return &NoopService{
		options: newOptions(opts),
		db:      db,
	}
}

func (s *NoopService) Init(context.Context) error {
	return nil
}

func (s *NoopService) AcquireLock(context.Context) (bool, error) {
	if !s.hasLock.Swap(true) {
		s.logger.Warn("Change log locking is disabled, concurrent migrations are not protected",
			zap.Stringer("database", s.db),
		)
	}
	return true, nil
}

func (s *NoopService) WaitForLock(ctx context.Context) error {
	_, err := s.AcquireLock(ctx)
	return err
}

func (s *NoopService) ReleaseLock(context.Context) error {
	s.hasLock.Store(false)
	return nil
}

func (s *NoopService) ForceReleaseLock(ctx context.Context) error {
	return s.ReleaseLock(ctx)
}

func (s *NoopService) ListLocks(context.Context) ([]DatabaseChangeLogLock, error) {
	return nil, nil
}

func (s *NoopService) HasChangeLogLock() bool {
	return s.hasLock.Load()
}

func (s *NoopService) Reset() {
	s.hasLock.Store(false)
}

func (s *NoopService) Destroy(context.Context) error {
	return nil
}
