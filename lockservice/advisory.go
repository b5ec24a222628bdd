package lockservice

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"sync/atomic"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/dialect"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// AdvisoryService использует рекомендательную блокировку сервера. Таблица блокировки не нужна,
// а сервер сам снимает блокировку при разрыве соединения, поэтому она держится на выделенном соединении.
type AdvisoryService struct {
	options

	db     *database.Database
	cfg    config.Lock
	locker dialect.AdvisoryLocker
	name   string

	mu      sync.Mutex
	conn    *sql.Conn
	hasLock atomic.Bool
}

func NewAdvisoryService(db *database.Database, cfg config.Lock, opts ...Option) (*AdvisoryService, error) {
	locker, ok := db.Dialect.(dialect.AdvisoryLocker)
	if !ok {
		return nil, errors.NotSupportedf("advisory locks on %s", db.ProductName())
	}

	return &AdvisoryService{
		options: newOptions(opts),
		db:      db,
		cfg:     cfg,
		locker:  locker,
		name:    db.QualifiedChangeLogLockTable(),
	}, nil
}

// SupportsAdvisoryLocks сообщает, умеет ли сервер db рекомендательные блокировки.
func SupportsAdvisoryLocks(db *database.Database) bool {
	locker, ok := db.Dialect.(dialect.AdvisoryLocker)
	if !ok {
		return false
	}
	major, minor := locker.MinAdvisoryVersion()
	return db.Version.MoreOrEqual(database.Version{Major: major, Minor: minor})
}

func (s *AdvisoryService) Init(context.Context) error {
	return nil
}

func (s *AdvisoryService) AcquireLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLock.Load() {
		return true, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, err
	}

	acquired, err := s.locker.TryAdvisoryLock(ctx, conn, s.name)
	if err != nil || !acquired {
		_ = conn.Close()
		if err != nil {
			return false, errors.Annotate(err, "acquiring advisory lock")
		}
		return false, nil
	}

	s.conn = conn
	s.hasLock.Store(true)
	s.logger.Info("Successfully acquired advisory change log lock", zap.String("name", s.name))
	return true, nil
}

func (s *AdvisoryService) WaitForLock(ctx context.Context) error {
	return waitForLock(ctx, s.cfg, s.options, lockAttempt{
		strategy:    "advisory",
		acquire:     s.AcquireLock,
		isTransient: s.db.Dialect.IsTransient,
	})
}

func (s *AdvisoryService) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLock.Load() {
		return nil
	}
	if err := s.locker.AdvisoryUnlock(ctx, s.conn, s.name); err != nil {
		s.discardConn()
		return errors.Annotate(err, "releasing advisory lock")
	}
	s.closeConn()

	s.logger.Info("Successfully released advisory change log lock", zap.String("name", s.name))
	return nil
}

// ForceReleaseLock снимает только собственную блокировку: чужую сервер освободит при разрыве соединения владельца.
func (s *AdvisoryService) ForceReleaseLock(ctx context.Context) error {
	if s.HasChangeLogLock() {
		return s.ReleaseLock(ctx)
	}
	s.logger.Warn("Advisory change log lock of another session cannot be released, it is freed when that session disconnects")
	return nil
}

func (s *AdvisoryService) ListLocks(context.Context) ([]DatabaseChangeLogLock, error) {
	return nil, nil
}

func (s *AdvisoryService) HasChangeLogLock() bool {
	return s.hasLock.Load()
}

func (s *AdvisoryService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLock.Load() {
		return
	}
	if err := s.locker.AdvisoryUnlock(context.Background(), s.conn, s.name); err != nil {
		s.discardConn()
		return
	}
	s.closeConn()
}

func (s *AdvisoryService) Destroy(ctx context.Context) error {
	return s.ReleaseLock(ctx)
}

// closeConn возвращает соединение в пул. Сессия остается открытой, поэтому блокировка должна быть уже снята.
func (s *AdvisoryService) closeConn() {
	s.hasLock.Store(false)
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Failed to close advisory lock connection", zap.Error(err))
	}
	s.conn = nil
}

// discardConn закрывает физическое соединение, чтобы сервер сам снял блокировку сессии.
func (s *AdvisoryService) discardConn() {
	if s.conn != nil {
		_ = s.conn.Raw(func(any) error {
			return driver.ErrBadConn
		})
	}
	s.closeConn()
}
