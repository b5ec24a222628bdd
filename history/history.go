// Package history ведет таблицу истории выполненных наборов изменений и определяет,
// нужно ли выполнять набор изменений.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/juju/errors"
	"gorm.io/gorm"
)

type RunStatus string

const (
	StatusNotRan        RunStatus = "NOT_RAN"
	StatusAlreadyRan    RunStatus = "ALREADY_RAN"
	StatusRunAgain      RunStatus = "RUN_AGAIN"
	StatusInvalidMD5Sum RunStatus = "INVALID_MD5SUM"
)

type ExecType string

const (
	ExecTypeExecuted ExecType = "EXECUTED"
	ExecTypeFailed   ExecType = "FAILED"
	ExecTypeSkipped  ExecType = "SKIPPED"
	ExecTypeReran    ExecType = "RERAN"
	ExecTypeMarkRan  ExecType = "MARK_RAN"
	ExecTypeReloaded ExecType = "RELOADED"
)

func ParseExecType(value string) (ExecType, error) {
	execType := ExecType(strings.ToUpper(strings.TrimSpace(value)))
	switch execType {
	case ExecTypeExecuted, ExecTypeFailed, ExecTypeSkipped, ExecTypeReran, ExecTypeMarkRan, ExecTypeReloaded:
		return execType, nil
	}
	return "", errors.NotValidf("exec type %q", value)
}

// Key естественный ключ набора изменений.
type Key struct {
	FilePath string
	ID       string
	Author   string
}

func (k Key) String() string {
	return k.FilePath + "::" + k.ID + "::" + k.Author
}

// IsInternal отличает служебные записи, которые Tag делает в пустой истории.
func (k Key) IsInternal() bool {
	return k.FilePath == internalFilePath && k.Author == internalAuthor
}

// ChangeSet то, что сервису истории нужно знать о наборе изменений.
type ChangeSet interface {
	Key() Key
	CheckSum() *checksum.CheckSum
	ShouldRunOnChange() bool
	Description() string
	Comments() string
	Contexts() []string
	Labels() []string
	Dbms() []string
}

// ChangeLog ищет набор изменений по ключу среди загруженных в память.
type ChangeLog interface {
	ChangeSet(key Key) (ChangeSet, bool)
}

// RanChangeSet запись о выполненном наборе изменений.
type RanChangeSet struct {
	Key
	LastCheckSum  *checksum.CheckSum
	DateExecuted  time.Time
	OrderExecuted int
	Tag           string
	ExecType      ExecType
	Description   string
	Comments      string
	Contexts      string
	Labels        string
	DeploymentID  string
}

// IsSameAs сравнивает только естественный ключ.
func (r RanChangeSet) IsSameAs(cs ChangeSet) bool {
	return r.Key == cs.Key()
}

type Service interface {
	// EnsureHistoryTable создает или обновляет таблицу истории. При updateExistingNullCheckSums
	// пустые суммы пересчитываются по changeLog с учетом filter.
	EnsureHistoryTable(ctx context.Context, updateExistingNullCheckSums bool, changeLog ChangeLog, filter Filter) error
	Init(ctx context.Context) error
	UpgradeCheckSums(ctx context.Context, changeLog ChangeLog, filter Filter) error

	RunStatus(ctx context.Context, cs ChangeSet) (RunStatus, error)
	// MarkExecuted записывает результат через tx, той же транзакцией, что выполнила набор изменений.
	// При tx == nil используется собственное соединение сервиса.
	MarkExecuted(ctx context.Context, tx *gorm.DB, cs ChangeSet, execType ExecType) error
	RemoveRanStatus(ctx context.Context, tx *gorm.DB, cs ChangeSet) error

	Tag(ctx context.Context, tag string) error
	TagExists(ctx context.Context, tag string) (bool, error)
	ClearAllCheckSums(ctx context.Context) error

	RanChangeSets(ctx context.Context) ([]RanChangeSet, error)
	RanChangeSet(ctx context.Context, cs ChangeSet) (*RanChangeSet, error)
	DeploymentID() string

	// Reset сбрасывает закэшированную историю, следующее обращение перечитает таблицу.
	Reset()
	Destroy(ctx context.Context) error
}

// DatabaseHistoryError ошибка чтения или записи таблицы истории. Продолжать миграцию после нее нельзя.
type DatabaseHistoryError struct {
	Op  string
	Err error
}

func (e *DatabaseHistoryError) Error() string {
	return "change log history: " + e.Op + ": " + e.Err.Error()
}

func (e *DatabaseHistoryError) Unwrap() error {
	return e.Err
}

func historyError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseHistoryError{Op: op, Err: err}
}
