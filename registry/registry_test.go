package registry

import (
	"testing"

	"github.com/Maksumys/db-changelog/database"
	"github.com/Maksumys/db-changelog/dialect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name  string
	reset bool
}

func (s *fakeService) Reset() {
	s.reset = true
}

func definition(name string, priority int, supports func(db *database.Database) bool) Definition[*fakeService] {
	return Definition[*fakeService]{
		ServiceName:     name,
		ServicePriority: priority,
		SupportsF:       supports,
		NewF: func(*database.Database) (*fakeService, error) {
			return &fakeService{name: name}, nil
		},
	}
}

func onlyPostgres(db *database.Database) bool {
	return db.Dialect.Name() == "postgres"
}

func TestServiceForPicksHighestSupportingPriority(t *testing.T) {
	r := New[*fakeService](
		definition("standard", 1, nil),
		definition("advisory", 5, onlyPostgres),
		definition("prolonging", 2, nil),
	)

	pg := &database.Database{Dialect: dialect.Postgres{}}
	lite := &database.Database{Dialect: dialect.SQLite{}}

	service, err := r.ServiceFor(pg)
	require.NoError(t, err)
	assert.Equal(t, "advisory", service.name)

	service, err = r.ServiceFor(lite)
	require.NoError(t, err)
	assert.Equal(t, "prolonging", service.name)
}

func TestTiesResolvedByRegistrationOrder(t *testing.T) {
	r := New[*fakeService]()
	r.Register(definition("first", 3, nil))
	r.Register(definition("second", 3, nil))

	factory, err := r.Select(&database.Database{Dialect: dialect.SQLite{}})
	require.NoError(t, err)
	assert.Equal(t, "first", factory.Name())
}

func TestInstancesCachedPerDatabase(t *testing.T) {
	r := New[*fakeService](definition("standard", 1, nil))

	first := &database.Database{Dialect: dialect.SQLite{}}
	second := &database.Database{Dialect: dialect.SQLite{}}

	a, err := r.ServiceFor(first)
	require.NoError(t, err)
	b, err := r.ServiceFor(first)
	require.NoError(t, err)
	c, err := r.ServiceFor(second)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestResetAll(t *testing.T) {
	r := New[*fakeService](definition("standard", 1, nil))
	db := &database.Database{Dialect: dialect.SQLite{}}

	before, err := r.ServiceFor(db)
	require.NoError(t, err)

	r.ResetAll()
	assert.True(t, before.reset)

	after, err := r.ServiceFor(db)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.False(t, after.reset)
}

func TestNoSupportingService(t *testing.T) {
	r := New[*fakeService](definition("advisory", 5, onlyPostgres))

	_, err := r.ServiceFor(&database.Database{Dialect: dialect.MySQL{}})
	assert.ErrorIs(t, err, ErrNoSupportingService)
}
