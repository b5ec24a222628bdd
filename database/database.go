// Package database связывает соединение gorm с диалектом, версией сервера и именами служебных таблиц.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/Maksumys/db-changelog/dialect"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultChangeLogTable     = "databasechangelog"
	DefaultChangeLogLockTable = "databasechangeloglock"
)

// Database описывает целевую базу данных. Сервисы истории и блокировок кэшируются
// по указателю на Database, поэтому для каждого соединения создается свой экземпляр.
type Database struct {
	DB      *gorm.DB
	Dialect dialect.Dialect
	Version Version

	Schema             string
	ChangeLogTable     string
	ChangeLogLockTable string

	// DisableTableCreation запрещает создавать служебные таблицы из этого процесса.
	DisableTableCreation bool

	versionDetected bool
}

type Option func(*Database)

func WithSchema(schema string) Option {
	return func(d *Database) {
		d.Schema = schema
	}
}

func WithChangeLogTable(table string) Option {
	return func(d *Database) {
		d.ChangeLogTable = table
	}
}

func WithChangeLogLockTable(table string) Option {
	return func(d *Database) {
		d.ChangeLogLockTable = table
	}
}

func WithoutTableCreation() Option {
	return func(d *Database) {
		d.DisableTableCreation = true
	}
}

// WithVersion задает версию сервера и отключает ее определение запросом.
func WithVersion(version Version) Option {
	return func(d *Database) {
		d.Version = version
		d.versionDetected = true
	}
}

// New оборачивает открытое соединение gorm. Диалект определяется по gorm.Dialector,
// версия сервера запрашивается у самой базы.
func New(db *gorm.DB, opts ...Option) (*Database, error) {
	d, err := dialect.For(db)
	if err != nil {
		return nil, errors.Trace(err)
	}

	database := &Database{
		DB:                 db,
		Dialect:            d,
		ChangeLogTable:     DefaultChangeLogTable,
		ChangeLogLockTable: DefaultChangeLogLockTable,
	}
	for _, opt := range opts {
		opt(database)
	}

	if !database.versionDetected {
		var raw string
		if err := db.Raw(d.VersionQuery()).Row().Scan(&raw); err != nil {
			return nil, errors.Annotatef(err, "detecting %s server version", d.Name())
		}
		if database.Version, err = ParseVersion(raw); err != nil {
			return nil, errors.Trace(err)
		}
		database.versionDetected = true
	}

	return database, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

func OpenPostgres(dsn string, opts ...Option) (*Database, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), gormConfig())
	if err != nil {
		return nil, errors.Annotate(err, "opening postgres")
	}
	return New(db, opts...)
}

// OpenMySQL включает parseTime: сервис блокировок читает время сервера как time.Time.
func OpenMySQL(dsn string, opts ...Option) (*Database, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Annotate(err, "parsing mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := gorm.Open(mysql.New(mysql.Config{
		DSNConfig: cfg,
	}), gormConfig())
	if err != nil {
		return nil, errors.Annotate(err, "opening mysql")
	}
	return New(db, opts...)
}

func OpenSQLite(path string, opts ...Option) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite")
	}
	return New(db, opts...)
}

// Open открывает соединение по имени драйвера из конфигурации.
func Open(driver, dsn string, opts ...Option) (*Database, error) {
	switch driver {
	case "postgres":
		return OpenPostgres(dsn, opts...)
	case "mysql":
		return OpenMySQL(dsn, opts...)
	case "sqlite":
		return OpenSQLite(dsn, opts...)
	default:
		return nil, errors.NotSupportedf("database driver %q", driver)
	}
}

func (d *Database) ProductName() string {
	return d.Dialect.Name()
}

func (d *Database) EscapedChangeLogTable() string {
	return d.Dialect.EscapeTableName(d.Schema, d.ChangeLogTable)
}

func (d *Database) EscapedChangeLogLockTable() string {
	return d.Dialect.EscapeTableName(d.Schema, d.ChangeLogLockTable)
}

// QualifiedChangeLogTable и QualifiedChangeLogLockTable возвращают имена в форме, понятной gorm.Migrator.
func (d *Database) QualifiedChangeLogTable() string {
	return d.qualify(d.ChangeLogTable)
}

func (d *Database) QualifiedChangeLogLockTable() string {
	return d.qualify(d.ChangeLogLockTable)
}

func (d *Database) qualify(table string) string {
	if d.Schema == "" || d.Dialect.Name() == "sqlite" {
		return table
	}
	return d.Schema + "." + table
}

func (d *Database) CanCreateChangeLogTable() bool {
	return !d.DisableTableCreation && d.Dialect.CanCreateChangeLogTable()
}

func (d *Database) ServerTime(ctx context.Context) (time.Time, error) {
	return d.Dialect.ServerTime(ctx, d.DB)
}

// Conn выделяет отдельное соединение из пула, например для сессионных блокировок.
func (d *Database) Conn(ctx context.Context) (*sql.Conn, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "reserving connection")
	}
	return conn, nil
}

func (d *Database) String() string {
	return d.ProductName() + " " + d.Version.String()
}
