// Package lockservice гарантирует, что схему одной базы данных в каждый момент меняет только один процесс.
//
// Реализации отличаются способом хранения блокировки: строка служебной таблицы,
// строка с продлеваемым сроком действия, рекомендательная блокировка сервера или ключ в Redis.
// Подходящая реализация выбирается реестром по приоритету, см. NewRegistry.
package lockservice

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Maksumys/db-changelog/internal/metrics"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ErrLockTimeout = errors.ConstError("timed out waiting for change log lock")
	ErrIntegrity   = errors.ConstError("change log lock integrity violation")
	ErrLockLost    = errors.ConstError("change log lock lost")

	errNotAcquired = errors.ConstError("change log lock not acquired")
)

type Service interface {
	// Init создает служебные структуры блокировки, если их еще нет.
	Init(ctx context.Context) error
	// AcquireLock делает одну попытку захвата. false без ошибки означает, что блокировку держит другой процесс.
	AcquireLock(ctx context.Context) (bool, error)
	// WaitForLock повторяет AcquireLock до успеха или истечения времени ожидания.
	WaitForLock(ctx context.Context) error
	// ReleaseLock ничего не делает, если блокировка не захвачена этим экземпляром.
	ReleaseLock(ctx context.Context) error
	// ForceReleaseLock снимает чужую блокировку. Только для ручного восстановления.
	ForceReleaseLock(ctx context.Context) error
	// ListLocks только читает состояние и не должен использоваться для управления.
	ListLocks(ctx context.Context) ([]DatabaseChangeLogLock, error)
	HasChangeLogLock() bool
	Reset()
	Destroy(ctx context.Context) error
}

// DatabaseChangeLogLock снимок захваченной блокировки.
type DatabaseChangeLogLock struct {
	ID          int
	LockGranted time.Time
	// LockExpires nil для блокировок без срока действия.
	LockExpires *time.Time
	LockedBy    string
	LockedByID  string
}

func (l DatabaseChangeLogLock) String() string {
	return l.LockedBy + " since " + l.LockGranted.UTC().Format(time.RFC3339)
}

// LockError возвращается WaitForLock по истечении времени ожидания.
type LockError struct {
	Wait    time.Duration
	Holders []DatabaseChangeLogLock
	Err     error
}

func (e *LockError) Error() string {
	holder := "UNKNOWN"
	if len(e.Holders) > 0 {
		holders := make([]string, 0, len(e.Holders))
		for _, h := range e.Holders {
			holders = append(holders, h.String())
		}
		holder = strings.Join(holders, ", ")
	}

	msg := fmt.Sprintf("could not acquire change log lock within %s, currently locked by %s", e.Wait, holder)
	if e.Err != nil && !errors.Is(e.Err, errNotAcquired) {
		msg += ": last error: " + e.Err.Error()
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return ErrLockTimeout
}

type Option func(*options)

type options struct {
	logger      *zap.Logger
	clock       clock.Clock
	metrics     *metrics.Metrics
	lockedBy    string
	redisClient redis.UniversalClient
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger.Named("lock")
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLockedBy задает описание владельца блокировки, по умолчанию имя хоста.
func WithLockedBy(lockedBy string) Option {
	return func(o *options) {
		o.lockedBy = lockedBy
	}
}

// WithRedisClient передает готовый клиент для блокировки в Redis вместо создания нового по адресу из конфигурации.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lockedBy == "" {
		o.lockedBy = defaultLockedBy()
	}
	return o
}

func defaultLockedBy() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
