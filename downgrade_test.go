package db_changelog

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackToTag(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	manager.RegisterChangeSets(createTable("users"))
	require.NoError(t, manager.Update(ctx))
	require.NoError(t, manager.Tag(ctx, "v1"))

	manager.RegisterChangeSets(createTable("groups"), createTable("roles"))
	require.NoError(t, manager.Update(ctx))

	require.NoError(t, manager.RollbackToTag(ctx, "v1"))
	assert.True(t, hasTable(t, manager, "users"))
	assert.False(t, hasTable(t, manager, "groups"))
	assert.False(t, hasTable(t, manager, "roles"))

	ran := ranChangeSets(t, manager.Database())
	assert.Equal(t, []string{"users"}, ranIDs(ran))
	assert.Equal(t, "v1", ran[0].Tag)

	// откаченные наборы выполняются снова
	require.NoError(t, manager.Update(ctx))
	assert.True(t, hasTable(t, manager, "roles"))
}

func TestRollbackCount(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"), createTable("groups"))
	require.NoError(t, manager.Update(ctx))

	require.NoError(t, manager.RollbackCount(ctx, 1))
	assert.True(t, hasTable(t, manager, "users"))
	assert.False(t, hasTable(t, manager, "groups"))

	require.NoError(t, manager.RollbackCount(ctx, 10))
	assert.False(t, hasTable(t, manager, "users"))
	assert.Empty(t, ranChangeSets(t, manager.Database()))

	require.Error(t, manager.RollbackCount(ctx, -1))
}

func TestRollbackUnknownTag(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(createTable("users"))
	require.NoError(t, manager.Update(ctx))

	err := manager.RollbackToTag(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.True(t, hasTable(t, manager, "users"))
}

func TestRollbackChecksEveryChangeSetFirst(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))
	manager.RegisterChangeSets(
		NewChangeSet("changelog.go", "no_rollback", "tester", WithSQL("CREATE TABLE no_rollback (id INTEGER)")),
		createTable("users"),
	)
	require.NoError(t, manager.Update(ctx))

	err := manager.RollbackCount(ctx, 2)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.True(t, errors.Is(err, errors.NotSupported))
	assert.True(t, hasTable(t, manager, "users"), "nothing is rolled back")
	assert.Len(t, ranChangeSets(t, manager.Database()), 2)
}

func TestRollbackUnregisteredChangeSet(t *testing.T) {
	ctx := context.Background()
	path := newTestPath(t)

	first := newTestManager(t, path)
	first.RegisterChangeSets(createTable("users"))
	require.NoError(t, first.Update(ctx))

	second := newTestManager(t, path)
	err := second.RollbackCount(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestRollbackRemovesMarkedAndInternalRows(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, newTestPath(t))

	// тег на пустой истории создает служебную запись
	require.NoError(t, manager.Tag(ctx, "empty"))

	manager.RegisterChangeSets(NewChangeSet("changelog.go", "manual", "tester",
		WithSQL("CREATE TABLE manual (id INTEGER)"),
	))
	require.NoError(t, manager.ChangeLogSync(ctx))
	require.Len(t, ranChangeSets(t, manager.Database()), 2)

	require.NoError(t, manager.RollbackCount(ctx, 2))
	assert.Empty(t, ranChangeSets(t, manager.Database()))
}
