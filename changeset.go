package db_changelog

import (
	"context"
	"strings"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/history"
	"github.com/juju/errors"
	"gorm.io/gorm"
)

// MigrateFunc тело набора изменений на Go. В транзакционном наборе db уже находится внутри транзакции.
type MigrateFunc func(ctx context.Context, db *gorm.DB) error

// ChangeSet единица изменения схемы, идентифицируемая тройкой файл, id, автор.
type ChangeSet struct {
	key         history.Key
	description string
	comments    string

	up    string
	upF   MigrateFunc
	down  string
	downF MigrateFunc

	// исходный текст, по которому считается сумма набора с телом на Go
	checkSumSource string

	runOnChange     bool
	runAlways       bool
	transactional   bool
	continueOnError bool

	contexts []string
	labels   []string
	dbms     []string
}

// NewChangeSet создает набор изменений. Тело задается опцией WithSQL или WithFunc.
// По умолчанию набор выполняется внутри транзакции вместе с записью в историю.
func NewChangeSet(filePath, id, author string, opts ...ChangeSetOption) *ChangeSet {
	cs := &ChangeSet{
		key: history.Key{
			FilePath: filePath,
			ID:       id,
			Author:   author,
		},
		transactional: true,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

func (c *ChangeSet) Key() history.Key {
	return c.key
}

// CheckSum считается по SQL тела, а для тела на Go по WithCheckSumSource. Без источника
// сумма набора на Go зависит только от ключа, и изменения функции не обнаруживаются.
func (c *ChangeSet) CheckSum() *checksum.CheckSum {
	if c.upF != nil {
		source := c.checkSumSource
		if source == "" {
			source = c.key.String()
		}
		return checksum.Compute("func:" + source)
	}
	return checksum.Compute("sql:" + c.up)
}

func (c *ChangeSet) ShouldRunOnChange() bool {
	return c.runOnChange || c.runAlways
}

func (c *ChangeSet) ShouldRunAlways() bool {
	return c.runAlways
}

func (c *ChangeSet) Description() string {
	if c.description != "" {
		return c.description
	}
	if c.upF != nil {
		return "func"
	}
	return "sql"
}

func (c *ChangeSet) Comments() string {
	return c.comments
}

func (c *ChangeSet) Contexts() []string {
	return c.contexts
}

func (c *ChangeSet) Labels() []string {
	return c.labels
}

func (c *ChangeSet) Dbms() []string {
	return c.dbms
}

func (c *ChangeSet) HasRollback() bool {
	return strings.TrimSpace(c.down) != "" || c.downF != nil
}

func (c *ChangeSet) validate() error {
	hasSQL := strings.TrimSpace(c.up) != ""
	if hasSQL == (c.upF != nil) {
		return errors.NotValidf("change set %s: exactly one of SQL and function body", c.key)
	}
	if strings.TrimSpace(c.down) != "" && c.downF != nil {
		return errors.NotValidf("change set %s: both rollback SQL and rollback function", c.key)
	}
	return nil
}

func (c *ChangeSet) migrate(ctx context.Context, db *gorm.DB) error {
	if c.upF != nil {
		return c.upF(ctx, db)
	}
	return db.Exec(c.up).Error
}

func (c *ChangeSet) rollback(ctx context.Context, db *gorm.DB) error {
	if c.downF != nil {
		return c.downF(ctx, db)
	}
	return db.Exec(c.down).Error
}
