package db_changelog

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/history"
	"github.com/Maksumys/db-changelog/lockservice"
	"github.com/Maksumys/db-changelog/registry"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestUpdateExecutesChangeSets(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"), createTable("groups"))

	require.NoError(t, manager.Update(ctx))
	assert.True(t, hasTable(t, manager, "users"))
	assert.True(t, hasTable(t, manager, "groups"))

	ran := ranChangeSets(t, manager.Database())
	assert.Equal(t, []string{"users", "groups"}, ranIDs(ran))
	for i, r := range ran {
		assert.Equal(t, history.ExecTypeExecuted, r.ExecType)
		assert.Equal(t, i+1, r.OrderExecuted)
		assert.True(t, r.LastCheckSum.IsCurrent())
	}

	statuses, err := manager.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, status := range statuses {
		assert.Equal(t, history.StatusAlreadyRan, status.RunStatus)
		assert.False(t, status.WillRun)
	}

	// повторный запуск ничего не делает
	require.NoError(t, manager.Update(ctx))
	assert.Len(t, ranChangeSets(t, manager.Database()), 2)
}

func TestUpdateFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	first := newTestManager(t, path)
	first.RegisterChangeSets(createTable("users"))
	require.NoError(t, first.Update(ctx))

	second := newTestManager(t, path)
	second.RegisterChangeSets(createTable("users"), createTable("groups"))
	require.NoError(t, second.Update(ctx))

	assert.Equal(t, []string{"users", "groups"}, ranIDs(ranChangeSets(t, second.Database())))
}

func TestUpdateFailsOnChangedChangeSet(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	first := newTestManager(t, path)
	first.RegisterChangeSets(createTable("users"))
	require.NoError(t, first.Update(ctx))

	changed := NewChangeSet("changelog.go", "users", "tester",
		WithSQL("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)"),
	)
	second := newTestManager(t, path)
	second.RegisterChangeSets(changed, createTable("groups"))

	err := second.Update(ctx)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Len(t, validationErr.Errors(), 1)

	var mismatch *CheckSumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, changed.Key(), mismatch.Key)
	assert.Equal(t, createTable("users").CheckSum(), mismatch.Stored)
	assert.Equal(t, changed.CheckSum(), mismatch.Current)

	assert.False(t, hasTable(t, second, "groups"), "nothing runs after a failed validation")
	assert.EqualError(t, second.Validate(ctx), err.Error())

	locks, err := second.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "lock is released after a failed validation")
}

func TestClearCheckSumsAcceptsChangedChangeSet(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	first := newTestManager(t, path)
	first.RegisterChangeSets(createTable("users"))
	require.NoError(t, first.Update(ctx))

	changed := NewChangeSet("changelog.go", "users", "tester",
		WithSQL("CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)"),
	)
	second := newTestManager(t, path)
	second.RegisterChangeSets(changed)
	require.Error(t, second.Validate(ctx))

	require.NoError(t, second.ClearCheckSums(ctx))
	require.NoError(t, second.Validate(ctx))

	ran := ranChangeSets(t, second.Database())
	require.Len(t, ran, 1)
	assert.Equal(t, changed.CheckSum(), ran[0].LastCheckSum)
}

func TestUpdateRunOnChange(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	view := func(sql string) *ChangeSet {
		return NewChangeSet("views.go", "active_users", "tester", WithSQL(sql), WithRunOnChange())
	}

	first := newTestManager(t, path)
	first.RegisterChangeSets(createTable("users"), view("CREATE VIEW active_users AS SELECT id FROM users"))
	require.NoError(t, first.Update(ctx))

	second := newTestManager(t, path)
	second.RegisterChangeSets(
		createTable("users"),
		view("DROP VIEW active_users; CREATE VIEW active_users AS SELECT id, name FROM users"),
	)

	statuses, err := second.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, history.StatusRunAgain, statuses[1].RunStatus)
	assert.Equal(t, history.ExecTypeReran, statuses[1].ExecType)
	assert.True(t, statuses[1].WillRun)

	require.NoError(t, second.Update(ctx))

	ran := ranChangeSets(t, second.Database())
	require.Len(t, ran, 2)
	assert.Equal(t, history.ExecTypeReran, ran[1].ExecType)
	assert.Equal(t, statuses[1].CurrentCheckSum, ran[1].LastCheckSum)
}

func TestUpdateRunAlways(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	var calls atomic.Int32
	manager.RegisterChangeSets(NewChangeSet("changelog.go", "refresh", "tester",
		WithFunc(func(context.Context, *gorm.DB) error {
			calls.Add(1)
			return nil
		}),
		WithRunAlways(),
	))

	require.NoError(t, manager.Update(ctx))
	require.NoError(t, manager.Update(ctx))
	assert.Equal(t, int32(2), calls.Load())

	ran := ranChangeSets(t, manager.Database())
	require.Len(t, ran, 1)
	assert.Equal(t, history.ExecTypeReran, ran[0].ExecType)
}

func TestUpdateRollsBackFailedChangeSet(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	failing := NewChangeSet("changelog.go", "broken", "tester",
		WithFunc(func(_ context.Context, db *gorm.DB) error {
			if err := db.Exec("CREATE TABLE partial (id INTEGER)").Error; err != nil {
				return err
			}
			return stderrors.New("boom")
		}),
	)
	manager.RegisterChangeSets(createTable("users"), failing, createTable("groups"))

	err := manager.Update(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), failing.Key().String())

	assert.True(t, hasTable(t, manager, "users"))
	assert.False(t, hasTable(t, manager, "partial"), "change set transaction is rolled back")
	assert.False(t, hasTable(t, manager, "groups"))
	assert.Equal(t, []string{"users"}, ranIDs(ranChangeSets(t, manager.Database())))

	locks, err := manager.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestUpdateContinueOnError(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	var calls atomic.Int32
	flaky := NewChangeSet("changelog.go", "flaky", "tester",
		WithFunc(func(context.Context, *gorm.DB) error {
			if calls.Add(1) == 1 {
				return stderrors.New("temporarily broken")
			}
			return nil
		}),
		WithContinueOnError(),
	)
	manager.RegisterChangeSets(flaky, createTable("users"))

	require.NoError(t, manager.Update(ctx))
	assert.True(t, hasTable(t, manager, "users"))

	ran := ranChangeSets(t, manager.Database())
	require.Len(t, ran, 2)
	assert.Equal(t, history.ExecTypeFailed, ran[0].ExecType)
	assert.Equal(t, history.ExecTypeExecuted, ran[1].ExecType)

	statuses, err := manager.Status(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[0].WillRun, "failed change set is retried")
	assert.Equal(t, history.ExecTypeFailed, statuses[0].LastExecType)

	require.NoError(t, manager.Update(ctx))
	ran = ranChangeSets(t, manager.Database())
	require.Len(t, ran, 2)
	assert.Equal(t, "flaky", ran[1].ID)
	assert.Equal(t, history.ExecTypeReran, ran[1].ExecType)
}

func TestUpdateWithoutTransaction(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	manager.RegisterChangeSets(createTable("users"), NewChangeSet("changelog.go", "seed", "tester",
		WithFunc(func(_ context.Context, db *gorm.DB) error {
			if err := db.Exec("INSERT INTO users (id, name) VALUES (1, 'admin')").Error; err != nil {
				return err
			}
			return stderrors.New("after write")
		}),
		WithoutTransaction(),
	))

	require.Error(t, manager.Update(ctx))

	var count int64
	require.NoError(t, manager.Database().DB.Table("users").Count(&count).Error)
	assert.Equal(t, int64(1), count, "write outside transaction is kept")
	assert.Equal(t, []string{"users"}, ranIDs(ranChangeSets(t, manager.Database())))
}

func TestUpdateFiltersByContextsAndDbms(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t), WithRunContexts("prod"))

	manager.RegisterChangeSets(
		createTable("users"),
		NewChangeSet("changelog.go", "fixtures", "tester",
			WithSQL("CREATE TABLE fixtures (id INTEGER)"),
			WithContexts("test"),
		),
		NewChangeSet("changelog.go", "pg_only", "tester",
			WithSQL("CREATE TABLE pg_only (id BIGSERIAL)"),
			WithDbms("postgres"),
		),
		NewChangeSet("changelog.go", "not_mysql", "tester",
			WithSQL("CREATE TABLE not_mysql (id INTEGER)"),
			WithDbms("!mysql"),
		),
	)

	require.NoError(t, manager.Update(ctx))
	assert.Equal(t, []string{"users", "not_mysql"}, ranIDs(ranChangeSets(t, manager.Database())))
	assert.False(t, hasTable(t, manager, "fixtures"))
	assert.False(t, hasTable(t, manager, "pg_only"))

	statuses, err := manager.Status(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[1].FilteredOut)
	assert.True(t, statuses[2].FilteredOut)
	assert.False(t, statuses[3].FilteredOut)
}

func TestValidateReportsAllInvalidChangeSets(t *testing.T) {
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(
		NewChangeSet("changelog.go", "empty", "tester"),
		NewChangeSet("changelog.go", "both", "tester",
			WithSQL("SELECT 1"),
			WithFunc(func(context.Context, *gorm.DB) error { return nil }),
		),
		createTable("users"),
	)

	err := manager.Validate(context.Background())
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Len(t, validationErr.Errors(), 2)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "changelog.go::empty::tester")
	assert.Contains(t, err.Error(), "changelog.go::both::tester")
}

func TestChangeLogSyncMarksWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"), createTable("groups"), createTable("roles"))

	require.NoError(t, manager.MarkNextChangeSetRan(ctx))
	ran := ranChangeSets(t, manager.Database())
	require.Len(t, ran, 1)
	assert.Equal(t, "users", ran[0].ID)
	assert.Equal(t, history.ExecTypeMarkRan, ran[0].ExecType)
	assert.False(t, hasTable(t, manager, "users"))

	require.NoError(t, manager.ChangeLogSync(ctx))
	assert.Equal(t, []string{"users", "groups", "roles"}, ranIDs(ranChangeSets(t, manager.Database())))

	require.NoError(t, manager.Update(ctx))
	assert.False(t, hasTable(t, manager, "groups"))
}

func TestTag(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"))

	require.Error(t, manager.Tag(ctx, ""))
	require.NoError(t, manager.Update(ctx))
	require.NoError(t, manager.Tag(ctx, "v1"))

	exists, err := manager.TagExists(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = manager.TagExists(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateTimesOutWhileLocked(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	cfg := testConfig()
	holderDB, err := database.New(openTestGorm(t, path))
	require.NoError(t, err)
	holder := lockservice.NewStandardService(holderDB, cfg.Lock, lockservice.WithLockedBy("other-deployer"))
	t.Cleanup(holder.Reset)

	acquired, err := holder.AcquireLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	cfg.Lock.WaitTime = 100 * time.Millisecond
	manager := newTestManager(t, path, WithConfig(cfg))
	manager.RegisterChangeSets(createTable("users"))

	err = manager.Update(ctx)
	require.ErrorIs(t, err, lockservice.ErrLockTimeout)
	assert.Contains(t, err.Error(), "other-deployer since")
	assert.False(t, hasTable(t, manager, "users"))

	locks, err := manager.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "other-deployer", locks[0].LockedBy)

	require.NoError(t, manager.ReleaseLocks(ctx))
	require.NoError(t, manager.Update(ctx))
	assert.True(t, hasTable(t, manager, "users"))
}

// losingLock теряет блокировку по сигналу, как продлеваемая блокировка после ForceReleaseLock.
type losingLock struct {
	*lockservice.NoopService
	lost atomic.Bool
}

func (l *losingLock) HasChangeLogLock() bool {
	return !l.lost.Load() && l.NoopService.HasChangeLogLock()
}

func TestUpdateStopsWhenLockLost(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	var lock *losingLock
	locks := registry.New[lockservice.Service](registry.Definition[lockservice.Service]{
		ServiceName:     "losing lock",
		ServicePriority: 1,
		NewF: func(db *database.Database) (lockservice.Service, error) {
			lock = &losingLock{NoopService: lockservice.NewNoopService(db)}
			return lock, nil
		},
	})

	manager := newTestManager(t, path, WithLockRegistry(locks))
	manager.RegisterChangeSets(
		NewChangeSet("changelog.go", "first", "tester", WithFunc(func(context.Context, *gorm.DB) error {
			lock.lost.Store(true)
			return nil
		})),
		createTable("users"),
	)

	err := manager.Update(ctx)
	require.ErrorIs(t, err, ErrLockLost)
	assert.Contains(t, err.Error(), "changelog.go::users::tester")
	assert.False(t, hasTable(t, manager, "users"))
	assert.Equal(t, []string{"first"}, ranIDs(ranChangeSets(t, manager.Database())))
}

func TestUpdateRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	manager := newTestManager(t, newTestPath(t), WithMetrics(reg))
	manager.RegisterChangeSets(createTable("users"), createTable("groups"))

	require.NoError(t, manager.Update(context.Background()))

	count, err := testutil.GatherAndCount(reg, "db_changelog_changesets_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "db_changelog_lock_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"))

	assert.Panics(t, func() {
		manager.RegisterChangeSets(createTable("users"))
	})
}

func TestCustomTableNamesFromConfig(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Database.ChangeLogTable = "app_changelog"
	cfg.Database.ChangeLogLockTable = "app_changelog_lock"
	manager := newTestManager(t, newTestPath(t), WithConfig(cfg))
	manager.RegisterChangeSets(createTable("users"))

	require.NoError(t, manager.Update(ctx))
	assert.True(t, hasTable(t, manager, "app_changelog"))
	assert.True(t, hasTable(t, manager, "app_changelog_lock"))
	assert.False(t, hasTable(t, manager, "databasechangelog"))

	require.NoError(t, manager.Destroy(ctx))
	assert.False(t, hasTable(t, manager, "app_changelog"))
	assert.False(t, hasTable(t, manager, "app_changelog_lock"))
}

func TestNewMigrationsManagerFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = newTestPath(t)

	manager, err := NewMigrationsManagerFromConfig(cfg)
	require.NoError(t, err)
	manager.RegisterChangeSets(createTable("users"))

	require.NoError(t, manager.Update(context.Background()))
	assert.True(t, hasTable(t, manager, "users"))
	require.NoError(t, manager.Close())
}

func TestNewMigrationsManagerFromConfigRequiresDriver(t *testing.T) {
	_, err := NewMigrationsManagerFromConfig(testConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}
