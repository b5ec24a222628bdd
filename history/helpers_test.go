package history

import (
	"path/filepath"
	"testing"

	"github.com/Maksumys/db-changelog/checksum"
	"github.com/Maksumys/db-changelog/database"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testChangeSet struct {
	key         Key
	body        string
	runOnChange bool
	contexts    []string
	dbms        []string
}

func newTestChangeSet(file, id, author, body string) *testChangeSet {
	return &testChangeSet{key: Key{FilePath: file, ID: id, Author: author}, body: body}
}

func (c *testChangeSet) Key() Key                     { return c.key }
func (c *testChangeSet) CheckSum() *checksum.CheckSum { return checksum.Compute(c.body) }
func (c *testChangeSet) ShouldRunOnChange() bool      { return c.runOnChange }
func (c *testChangeSet) Description() string          { return "sql" }
func (c *testChangeSet) Comments() string             { return "" }
func (c *testChangeSet) Contexts() []string           { return c.contexts }
func (c *testChangeSet) Labels() []string             { return nil }
func (c *testChangeSet) Dbms() []string               { return c.dbms }

type testChangeLog map[Key]ChangeSet

func (l testChangeLog) ChangeSet(key Key) (ChangeSet, bool) {
	cs, ok := l[key]
	return cs, ok
}

func newTestDB(t *testing.T, opts ...database.Option) *database.Database {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "history.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db, err := database.New(gormDB, opts...)
	require.NoError(t, err)
	return db
}
