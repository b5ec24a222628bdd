package db_changelog

import (
	"fmt"
	"strings"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/lockservice"
	"go.uber.org/multierr"
)

// ErrLockLost блокировка потеряна во время выполнения, например продление не успело
// до истечения срока и ее захватил другой процесс.
var ErrLockLost = lockservice.ErrLockLost

// CheckSumMismatchError выполненный набор изменений был изменен после выполнения.
type CheckSumMismatchError struct {
	Key     history.Key
	Stored  *checksum.CheckSum
	Current *checksum.CheckSum
}

func (e *CheckSumMismatchError) Error() string {
	return fmt.Sprintf("change set %s checksum was %s but is now %s", e.Key, e.Stored, e.Current)
}

// ValidationError собирает все ошибки проверки журнала изменений, чтобы сообщить о них разом.
type ValidationError struct {
	err error
}

func (e *ValidationError) add(err error) {
	e.err = multierr.Append(e.err, err)
}

// Errors возвращает ошибки по отдельности в порядке журнала изменений.
func (e *ValidationError) Errors() []error {
	return multierr.Errors(e.err)
}

func (e *ValidationError) Error() string {
	errs := e.Errors()
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, "  "+err.Error())
	}
	return fmt.Sprintf("validation failed, %d error(s):\n%s", len(errs), strings.Join(lines, "\n"))
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func (e *ValidationError) errOrNil() error {
	if e.err == nil {
		return nil
	}
	return e
}
