// Package config загружает настройки движка наборов изменений из YAML.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database Database `yaml:"database"`
	Lock     Lock     `yaml:"lock"`
	Log      Log      `yaml:"log"`

	// Contexts ограничивает выполняемые наборы изменений, пустой список выполняет все.
	Contexts []string `yaml:"contexts"`
	// UpdateNullCheckSums пересчитывает пустые суммы в истории при каждом запуске.
	UpdateNullCheckSums bool `yaml:"update_null_checksums"`
}

type Database struct {
	Driver               string `yaml:"driver" validate:"omitempty,oneof=postgres mysql sqlite"`
	DSN                  string `yaml:"dsn" validate:"required_with=Driver"`
	Schema               string `yaml:"schema"`
	ChangeLogTable       string `yaml:"changelog_table" validate:"required"`
	ChangeLogLockTable   string `yaml:"changelog_lock_table" validate:"required,nefield=ChangeLogTable"`
	DisableTableCreation bool   `yaml:"disable_table_creation"`
}

type Lock struct {
	// Disabled регистрирует пустую блокировку. Небезопасно при параллельных развертываниях.
	Disabled        bool          `yaml:"disabled"`
	DisableAdvisory bool          `yaml:"disable_advisory"`
	WaitTime        time.Duration `yaml:"wait_time" validate:"gt=0"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0,ltefield=WaitTime"`
	LockedBy        string        `yaml:"locked_by"`

	Prolonging Prolonging `yaml:"prolonging"`
	Redis      Redis      `yaml:"redis"`
}

type Prolonging struct {
	Enabled   bool          `yaml:"enabled"`
	Rate      time.Duration `yaml:"rate" validate:"gt=0"`
	Staleness time.Duration `yaml:"staleness" validate:"gtfield=Rate"`
}

type Redis struct {
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Default возвращает консервативные значения: ожидание в минутах, опрос в секундах.
func Default() Config {
	return Config{
		Database: Database{
			ChangeLogTable:     "databasechangelog",
			ChangeLogLockTable: "databasechangeloglock",
		},
		Lock: Lock{
			WaitTime:     5 * time.Minute,
			PollInterval: 10 * time.Second,
			Prolonging: Prolonging{
				Rate:      30 * time.Second,
				Staleness: 2 * time.Minute,
			},
			Redis: Redis{
				KeyPrefix: "db-changelog",
			},
		},
		Log: Log{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load читает YAML поверх значений по умолчанию и проверяет результат.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.NewNotValid(err, "config")
	}
	return nil
}
