package lockservice

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisService держит блокировку во внешнем Redis с истекающим ключом. Пока блокировка захвачена,
// срок ключа продлевается так же, как у ProlongingService. Рядом хранится описание владельца для ListLocks.
type RedisService struct {
	options

	db      *database.Database
	cfg     config.Lock
	client  redis.UniversalClient
	locker  *redislock.Client
	key     string
	infoKey string

	lockedByID string

	mu          sync.Mutex
	lock        *redislock.Lock
	hasLock     atomic.Bool
	stopRefresh func()
	ownClient   bool
}

type redisLockInfo struct {
	LockedBy    string    `json:"lockedBy"`
	LockedByID  string    `json:"lockedById"`
	LockGranted time.Time `json:"lockGranted"`
}

func NewRedisService(db *database.Database, cfg config.Lock, opts ...Option) *RedisService {
	o := newOptions(opts)

	client := o.redisClient
	ownClient := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ownClient = true
	}

	key := redisLockKey(cfg.Redis.KeyPrefix, db)
	return &RedisService{
		options:    o,
		db:         db,
		cfg:        cfg,
		client:     client,
		locker:     redislock.New(client),
		key:        key,
		infoKey:    key + "_info",
		lockedByID: uuid.NewString(),
		ownClient:  ownClient,
	}
}

func redisLockKey(prefix string, db *database.Database) string {
	if prefix == "" {
		prefix = "db-changelog"
	}
	return prefix + ":" + db.ProductName() + ":" + db.QualifiedChangeLogLockTable()
}

func (s *RedisService) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Annotate(err, "connecting to redis")
	}
	return nil
}

func (s *RedisService) AcquireLock(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLock.Load() {
		return true, nil
	}
	s.stopRefreshing()

	lock, err := s.locker.Obtain(ctx, s.key, s.cfg.Prolonging.Staleness, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, errors.Annotate(err, "acquiring redis change log lock")
	}

	info, err := json.Marshal(redisLockInfo{
		LockedBy:    s.lockedBy,
		LockedByID:  s.lockedByID,
		LockGranted: s.clock.Now().UTC(),
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := s.client.Set(ctx, s.infoKey, info, s.cfg.Prolonging.Staleness).Err(); err != nil {
		s.logger.Warn("Failed to store change log lock holder", zap.Error(err))
	}

	s.lock = lock
	s.hasLock.Store(true)
	s.startRefreshing()
	s.logger.Info("Successfully acquired redis change log lock",
		zap.String("key", s.key),
		zap.String("lockedById", s.lockedByID),
	)
	return true, nil
}

func (s *RedisService) WaitForLock(ctx context.Context) error {
	return waitForLock(ctx, s.cfg, s.options, lockAttempt{
		strategy:    "redis",
		acquire:     s.AcquireLock,
		listLocks:   s.ListLocks,
		isTransient: isTransientRedisError,
	})
}

func (s *RedisService) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRefreshing()
	if !s.hasLock.Load() {
		return nil
	}
	defer func() {
		s.hasLock.Store(false)
		s.lock = nil
	}()

	err := s.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return errors.Annotatef(ErrIntegrity, "redis lock %s was not held on release", s.key)
	}
	if err != nil {
		return errors.Annotate(err, "releasing redis change log lock")
	}
	if err := s.client.Del(ctx, s.infoKey).Err(); err != nil {
		s.logger.Warn("Failed to delete change log lock holder", zap.Error(err))
	}

	s.logger.Info("Successfully released redis change log lock", zap.String("key", s.key))
	return nil
}

func (s *RedisService) ForceReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRefreshing()
	defer func() {
		s.hasLock.Store(false)
		s.lock = nil
	}()

	s.logger.Warn("Forcing release of redis change log lock", zap.String("key", s.key))
	if err := s.client.Del(ctx, s.key, s.infoKey).Err(); err != nil {
		return errors.Annotate(err, "force releasing redis change log lock")
	}
	return nil
}

func (s *RedisService) ListLocks(ctx context.Context) ([]DatabaseChangeLogLock, error) {
	data, err := s.client.Get(ctx, s.infoKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "listing redis change log locks")
	}

	var info redisLockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Annotate(err, "decoding change log lock holder")
	}

	lock := DatabaseChangeLogLock{
		ID:          1,
		LockGranted: info.LockGranted,
		LockedBy:    info.LockedBy,
		LockedByID:  info.LockedByID,
	}
	if ttl, err := s.client.PTTL(ctx, s.key).Result(); err == nil && ttl > 0 {
		expires := s.clock.Now().UTC().Add(ttl)
		lock.LockExpires = &expires
	}
	return []DatabaseChangeLogLock{lock}, nil
}

func (s *RedisService) HasChangeLogLock() bool {
	return s.hasLock.Load()
}

func (s *RedisService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRefreshing()
	s.hasLock.Store(false)
	s.lock = nil
}

// Destroy снимает блокировку и закрывает клиент, если он был создан этим экземпляром.
func (s *RedisService) Destroy(ctx context.Context) error {
	if err := s.ForceReleaseLock(ctx); err != nil {
		return err
	}
	if s.ownClient {
		return errors.Trace(s.client.Close())
	}
	return nil
}

func (s *RedisService) startRefreshing() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lock := s.lock

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.Prolonging.Rate):
			}

			if !s.refresh(ctx, lock) {
				return
			}
		}
	}()

	s.stopRefresh = func() {
		cancel()
		<-done
	}
}

func (s *RedisService) stopRefreshing() {
	if s.stopRefresh == nil {
		return
	}
	s.stopRefresh()
	s.stopRefresh = nil
}

func (s *RedisService) refresh(ctx context.Context, lock *redislock.Lock) bool {
	err := lock.Refresh(ctx, s.cfg.Prolonging.Staleness, nil)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return false
	case errors.Is(err, redislock.ErrNotObtained):
		s.hasLock.Store(false)
		s.metrics.Prolong("lost")
		s.logger.Error("Redis change log lock was lost, stopped prolonging", zap.String("key", s.key))
		return false
	default:
		s.metrics.Prolong("error")
		s.logger.Warn("Failed to prolong redis change log lock", zap.Error(err))
		return true
	}

	if err := s.client.Expire(ctx, s.infoKey, s.cfg.Prolonging.Staleness).Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("Failed to prolong change log lock holder", zap.Error(err))
	}
	s.metrics.Prolong("prolonged")
	return true
}

func isTransientRedisError(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
