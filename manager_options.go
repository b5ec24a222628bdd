package db_changelog

import (
	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/internal/metrics"
	"github.com/Maksumys/db-changelog/lockservice"
	"github.com/Maksumys/db-changelog/registry"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type ManagerOption func(*MigrationManager)

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *MigrationManager) {
		m.logger = logger
	}
}

// WithConfig заменяет config.Default. Опции, переданные после нее, уточняют значения.
func WithConfig(cfg config.Config) ManagerOption {
	return func(m *MigrationManager) {
		m.cfg = cfg
	}
}

// WithRunContexts задает контексты запуска. Наборы с непересекающимися контекстами пропускаются.
func WithRunContexts(contexts ...string) ManagerOption {
	return func(m *MigrationManager) {
		m.cfg.Contexts = contexts
	}
}

// WithUpdateNullCheckSums пересчитывает пустые суммы в истории перед каждым запуском.
func WithUpdateNullCheckSums() ManagerOption {
	return func(m *MigrationManager) {
		m.cfg.UpdateNullCheckSums = true
	}
}

func WithClock(clk clock.Clock) ManagerOption {
	return func(m *MigrationManager) {
		m.clock = clk
	}
}

// WithMetrics регистрирует метрики блокировки и выполненных наборов в reg.
func WithMetrics(reg prometheus.Registerer) ManagerOption {
	return func(m *MigrationManager) {
		m.metrics = metrics.New(reg)
	}
}

func WithDatabaseOptions(opts ...database.Option) ManagerOption {
	return func(m *MigrationManager) {
		m.databaseOptions = append(m.databaseOptions, opts...)
	}
}

// WithLockOptions передает опции в реализации блокировки, например lockservice.WithRedisClient.
func WithLockOptions(opts ...lockservice.Option) ManagerOption {
	return func(m *MigrationManager) {
		m.lockOptions = append(m.lockOptions, opts...)
	}
}

// WithLockRegistry заменяет реестр блокировок, построенный по конфигурации.
func WithLockRegistry(reg *registry.Registry[lockservice.Service]) ManagerOption {
	return func(m *MigrationManager) {
		m.lockRegistry = reg
	}
}

func WithHistoryRegistry(reg *registry.Registry[history.Service]) ManagerOption {
	return func(m *MigrationManager) {
		m.historyRegistry = reg
	}
}
