package lockservice

import (
	"context"

	"github.com/Maksumys/db-changelog/config"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// lockAttempt описывает реализацию для общего цикла ожидания.
type lockAttempt struct {
	strategy    string
	acquire     func(ctx context.Context) (bool, error)
	listLocks   func(ctx context.Context) ([]DatabaseChangeLogLock, error)
	isTransient func(err error) bool
}

// waitForLock опрашивает блокировку с интервалом cfg.PollInterval не дольше cfg.WaitTime.
// Временные ошибки базы данных считаются неудачной попыткой, остальные прерывают ожидание.
func waitForLock(ctx context.Context, cfg config.Lock, o options, a lockAttempt) error {
	start := o.clock.Now()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			acquired, err := a.acquire(ctx)
			if err != nil {
				o.metrics.LockAttemptFailed(a.strategy)
				return err
			}
			o.metrics.LockAttempt(a.strategy, acquired)
			if !acquired {
				return errNotAcquired
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotAcquired) && !a.isTransient(err)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			if errors.Is(lastErr, errNotAcquired) {
				o.logger.Info("Waiting for change log lock",
					zap.String("strategy", a.strategy),
					zap.Int("attempt", attempt),
				)
				return
			}
			o.logger.Warn("Failed to acquire change log lock, retrying",
				zap.String("strategy", a.strategy),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		},
		Delay:       cfg.PollInterval,
		MaxDuration: cfg.WaitTime,
		Clock:       o.clock,
		Stop:        ctx.Done(),
	})
	o.metrics.LockWait(o.clock.Now().Sub(start))

	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		return timeoutError(ctx, cfg, o, a, retry.LastError(err))
	case retry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Annotate(ctxErr, "waiting for change log lock")
		}
		return errors.Annotate(retry.LastError(err), "waiting for change log lock")
	case ctx.Err() != nil:
		return errors.Annotate(ctx.Err(), "waiting for change log lock")
	default:
		return errors.Annotate(err, "acquiring change log lock")
	}
}

func timeoutError(ctx context.Context, cfg config.Lock, o options, a lockAttempt, lastErr error) error {
	lockErr := &LockError{Wait: cfg.WaitTime, Err: lastErr}
	if a.listLocks == nil {
		return lockErr
	}

	holders, err := a.listLocks(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Warn("Failed to read change log lock holder", zap.Error(err))
		return lockErr
	}
	lockErr.Holders = holders
	return lockErr
}

// unwrapRetry возвращает исходную ошибку функции, завершившей retry.Call.
func unwrapRetry(err error) error {
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}
