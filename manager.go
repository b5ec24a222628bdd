// Package db_changelog выполняет наборы изменений схемы под блокировкой журнала изменений
// и ведет историю их выполнения в целевой базе данных.
package db_changelog

import (
	"fmt"

	"github.com/Maksumys/db-changelog/config"
	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/internal/metrics"
	"github.com/Maksumys/db-changelog/lockservice"
	"github.com/Maksumys/db-changelog/registry"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewMigrationsManager создает экземпляр управляющего наборами изменений (выступает в качестве фасада)
// поверх открытого соединения gorm. Диалект и версия сервера определяются по соединению.
func NewMigrationsManager(db *gorm.DB, opts ...ManagerOption) (*MigrationManager, error) {
	manager := MigrationManager{
		cfg:       config.Default(),
		logger:    zap.NewNop(),
		clock:     clock.WallClock,
		changeLog: newChangeLog(),
	}
	for _, opt := range opts {
		opt(&manager)
	}

	dbCfg := manager.cfg.Database
	dbOpts := []database.Option{database.WithSchema(dbCfg.Schema)}
	if dbCfg.ChangeLogTable != "" {
		dbOpts = append(dbOpts, database.WithChangeLogTable(dbCfg.ChangeLogTable))
	}
	if dbCfg.ChangeLogLockTable != "" {
		dbOpts = append(dbOpts, database.WithChangeLogLockTable(dbCfg.ChangeLogLockTable))
	}
	if dbCfg.DisableTableCreation {
		dbOpts = append(dbOpts, database.WithoutTableCreation())
	}

	var err error
	manager.db, err = database.New(db, append(dbOpts, manager.databaseOptions...)...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if manager.lockRegistry == nil {
		manager.lockRegistry = lockservice.NewRegistry(manager.cfg.Lock, manager.lockServiceOptions()...)
	}
	if manager.historyRegistry == nil {
		manager.historyRegistry = history.NewRegistry(
			history.WithLogger(manager.logger),
			history.WithClock(manager.clock),
		)
	}

	manager.logger.Debug("Migrations manager created", zap.Stringer("database", manager.db))
	return &manager, nil
}

// NewMigrationsManagerFromConfig открывает соединение по cfg.Database и строит логгер по cfg.Log.
// Соединение принадлежит управляющему и закрывается в Close.
func NewMigrationsManagerFromConfig(cfg config.Config, opts ...ManagerOption) (*MigrationManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "" {
		return nil, errors.NotValidf("empty database driver")
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, errors.Trace(err)
	}

	opened, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, errors.Trace(err)
	}

	defaults := []ManagerOption{
		WithConfig(cfg),
		WithLogger(logger),
		WithDatabaseOptions(database.WithVersion(opened.Version)),
	}
	manager, err := NewMigrationsManager(opened.DB, append(defaults, opts...)...)
	if err != nil {
		if sqlDB, dbErr := opened.DB.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	manager.ownDB = true
	return manager, nil
}

type MigrationManager struct {
	db      *database.Database
	ownDB   bool
	cfg     config.Config
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	databaseOptions []database.Option
	lockOptions     []lockservice.Option

	lockRegistry    *registry.Registry[lockservice.Service]
	historyRegistry *registry.Registry[history.Service]

	changeLog *changeLog
}

// RegisterChangeSets сохраняет наборы изменений в память. Порядок регистрации задает порядок выполнения.
//
// Паникует при регистрации наборов изменений с одинаковыми файлом, id и автором.
func (m *MigrationManager) RegisterChangeSets(changeSets ...*ChangeSet) {
	for _, cs := range changeSets {
		if _, ok := m.changeLog.byKey[cs.Key()]; ok {
			panic(fmt.Sprintf("Change set with same identifier twice: %s", cs.Key()))
		}

		m.changeLog.byKey[cs.Key()] = cs
		m.changeLog.changeSets = append(m.changeLog.changeSets, cs)
	}
}

// Database возвращает описание целевой базы данных.
func (m *MigrationManager) Database() *database.Database {
	return m.db
}

// Close снимает состояние сервисов и закрывает соединение, если его открыл NewMigrationsManagerFromConfig.
func (m *MigrationManager) Close() error {
	m.lockRegistry.ResetAll()
	m.historyRegistry.ResetAll()

	if !m.ownDB {
		return nil
	}
	sqlDB, err := m.db.DB.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return sqlDB.Close()
}

func (m *MigrationManager) lockServiceOptions() []lockservice.Option {
	opts := []lockservice.Option{
		lockservice.WithLogger(m.logger),
		lockservice.WithClock(m.clock),
		lockservice.WithMetrics(m.metrics),
	}
	return append(opts, m.lockOptions...)
}

func (m *MigrationManager) filter() history.Filter {
	return history.Filter{
		Contexts: m.cfg.Contexts,
		Dbms:     m.db.ProductName(),
	}
}

// changeLog зарегистрированные наборы изменений в порядке регистрации.
type changeLog struct {
	changeSets []*ChangeSet
	byKey      map[history.Key]*ChangeSet
}

func newChangeLog() *changeLog {
	return &changeLog{
		changeSets: make([]*ChangeSet, 0),
		byKey:      make(map[history.Key]*ChangeSet),
	}
}

func (l *changeLog) ChangeSet(key history.Key) (history.ChangeSet, bool) {
	cs, ok := l.byKey[key]
	if !ok {
		return nil, false
	}
	return cs, true
}
