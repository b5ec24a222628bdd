package lockservice

import (
	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/registry"
)

// Приоритеты реализаций: из поддерживающих базу данных выбирается наибольший.
const (
	StandardPriority   = 1
	ProlongingPriority = 2
	AdvisoryPriority   = 5
	RedisPriority      = 8
	NoopPriority       = 10
)

// NewRegistry возвращает реестр со всеми реализациями блокировки. Какие из них поддерживают
// базу данных, определяется конфигурацией cfg и возможностями диалекта.
func NewRegistry(cfg config.Lock, opts ...Option) *registry.Registry[Service] {
	cfg = withDefaults(cfg)
	if cfg.LockedBy != "" {
		// явная опция WithLockedBy важнее конфигурации
		opts = append([]Option{WithLockedBy(cfg.LockedBy)}, opts...)
	}
	redisConfigured := cfg.Redis.Enabled() || newOptions(opts).redisClient != nil

	return registry.New[Service](
		registry.Definition[Service]{
			ServiceName:     "standard lock",
			ServicePriority: StandardPriority,
			NewF: func(db *database.Database) (Service, error) {
				return NewStandardService(db, cfg, opts...), nil
			},
		},
		registry.Definition[Service]{
			ServiceName:     "prolonging lock",
			ServicePriority: ProlongingPriority,
			SupportsF: func(*database.Database) bool {
				return cfg.Prolonging.Enabled
			},
			NewF: func(db *database.Database) (Service, error) {
				return NewProlongingService(db, cfg, opts...), nil
			},
		},
		registry.Definition[Service]{
			ServiceName:     "advisory lock",
			ServicePriority: AdvisoryPriority,
			// явно включенная продлеваемая блокировка важнее рекомендательной
			SupportsF: func(db *database.Database) bool {
				return !cfg.DisableAdvisory && !cfg.Prolonging.Enabled && SupportsAdvisoryLocks(db)
			},
			NewF: func(db *database.Database) (Service, error) {
				return NewAdvisoryService(db, cfg, opts...)
			},
		},
		registry.Definition[Service]{
			ServiceName:     "redis lock",
			ServicePriority: RedisPriority,
			SupportsF: func(*database.Database) bool {
				return redisConfigured
			},
			NewF: func(db *database.Database) (Service, error) {
				return NewRedisService(db, cfg, opts...), nil
			},
		},
		registry.Definition[Service]{
			ServiceName:     "noop lock",
			ServicePriority: NoopPriority,
			SupportsF: func(*database.Database) bool {
				return cfg.Disabled
			},
			NewF: func(db *database.Database) (Service, error) {
				return NewNoopService(db, opts...), nil
			},
		},
	)
}

// withDefaults заполняет незаданные интервалы значениями config.Default.
func withDefaults(cfg config.Lock) config.Lock {
	defaults := config.Default().Lock
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = defaults.WaitTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Prolonging.Rate <= 0 {
		cfg.Prolonging.Rate = defaults.Prolonging.Rate
	}
	if cfg.Prolonging.Staleness <= 0 {
		cfg.Prolonging.Staleness = defaults.Prolonging.Staleness
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaults.Redis.KeyPrefix
	}
	return cfg
}
