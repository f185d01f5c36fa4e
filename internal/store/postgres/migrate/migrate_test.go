package migrate

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMigrator struct {
	upErr      error
	downErr    error
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error   { return m.upErr }
func (m *mockMigrator) Down() error { return m.downErr }
func (m *mockMigrator) Version() (uint, bool, error) {
	return m.versionVal, m.dirty, m.versionErr
}

func withMigrator(t *testing.T, m migrator, err error) {
	t.Helper()
	orig := newMigrator
	newMigrator = func(*sql.DB) (migrator, error) { return m, err }
	t.Cleanup(func() { newMigrator = orig })
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, want := range []string{
		"000001_chat_sessions.up.sql",
		"000001_chat_sessions.down.sql",
		"000002_chat_messages.up.sql",
		"000002_chat_messages.down.sql",
	} {
		assert.True(t, names[want], "expected migration file %s", want)
	}
}

func TestSessionsMigrationDeclaresOpenUniqueness(t *testing.T) {
	data, err := migrations.ReadFile("migrations/000001_chat_sessions.up.sql")
	require.NoError(t, err)

	ddl := string(data)
	assert.True(t, strings.Contains(ddl, "CREATE UNIQUE INDEX"))
	assert.True(t, strings.Contains(ddl, "WHERE status = 'open'"))
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionVal: 2}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("no change is not an error", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 2}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("nil version is not an error", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionErr: migrate.ErrNilVersion}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("up failure", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: errors.New("syntax error")}, nil)
		err := Run(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "running migrations")
	})

	t.Run("factory failure", func(t *testing.T) {
		withMigrator(t, nil, errors.New("factory error"))
		err := Run(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "factory error")
	})
}

func TestDown(t *testing.T) {
	withMigrator(t, &mockMigrator{downErr: migrate.ErrNoChange}, nil)
	assert.NoError(t, Down(nil))

	withMigrator(t, &mockMigrator{downErr: errors.New("locked")}, nil)
	err := Down(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolling back migrations")
}
