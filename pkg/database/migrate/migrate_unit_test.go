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

const (
	migrateTestFileCount    = 8
	migrateTestSuccess      = "success"
	migrateTestFactoryError = "factory error"
)

// mockMigrator implements the migrator interface for testing.
type mockMigrator struct {
	upErr      error
	downErr    error
	stepsErr   error
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error         { return m.upErr }
func (m *mockMigrator) Down() error       { return m.downErr }
func (m *mockMigrator) Steps(_ int) error { return m.stepsErr }
func (m *mockMigrator) Version() (version uint, dirty bool, err error) {
	return m.versionVal, m.dirty, m.versionErr
}

func useMigrator(t *testing.T, m migrator, err error) {
	t.Helper()
	orig := migratorFactory
	t.Cleanup(func() { migratorFactory = orig })
	migratorFactory = func(_ *sql.DB) (migrator, error) { return m, err }
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, migrateTestFileCount)

	expectedFiles := []string{
		"000001_documents.up.sql",
		"000001_documents.down.sql",
		"000002_step_history_view.up.sql",
		"000002_step_history_view.down.sql",
		"000003_audit_events.up.sql",
		"000003_audit_events.down.sql",
		"000004_step_history_user_id.up.sql",
		"000004_step_history_user_id.down.sql",
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, f := range expectedFiles {
		assert.True(t, names[f], "missing migration %s", f)
	}
}

func TestMigrationFilesNotEmpty(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	for _, e := range entries {
		content, err := migrations.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(content)), "migration %s is empty", e.Name())
	}
}

func TestDocumentsMigrationShape(t *testing.T) {
	content, err := migrations.ReadFile("migrations/000001_documents.up.sql")
	require.NoError(t, err)
	up := string(content)
	assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS documents")
	assert.Contains(t, up, "path       TEXT PRIMARY KEY")
	assert.Contains(t, up, "JSONB")
	assert.Contains(t, up, "text_pattern_ops", "prefix listing relies on a pattern index")

	content, err = migrations.ReadFile("migrations/000001_documents.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(content), "DROP TABLE IF EXISTS documents")
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		m          *mockMigrator
		factoryErr error
		wantErr    string
	}{
		{name: migrateTestSuccess, m: &mockMigrator{versionVal: 2}},
		{name: "no change is not an error", m: &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 2}},
		{name: "up error", m: &mockMigrator{upErr: errors.New("up failed")}, wantErr: "running migrations"},
		{name: migrateTestFactoryError, factoryErr: errors.New("factory failed"), wantErr: "factory failed"},
		{name: "version error", m: &mockMigrator{versionErr: errors.New("version failed")}, wantErr: "getting migration version"},
		{name: "nil version is not an error", m: &mockMigrator{versionErr: migrate.ErrNilVersion}},
		{name: "dirty state logs warning", m: &mockMigrator{versionVal: 2, dirty: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m migrator
			if tt.m != nil {
				m = tt.m
			}
			useMigrator(t, m, tt.factoryErr)

			err := Run(nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVersion(t *testing.T) {
	t.Run(migrateTestSuccess, func(t *testing.T) {
		useMigrator(t, &mockMigrator{versionVal: 2}, nil)
		version, dirty, err := Version(nil)
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
		assert.False(t, dirty)
	})

	t.Run("nil version is reported", func(t *testing.T) {
		useMigrator(t, &mockMigrator{versionErr: migrate.ErrNilVersion}, nil)
		_, _, err := Version(nil)
		assert.ErrorIs(t, err, migrate.ErrNilVersion)
	})

	t.Run(migrateTestFactoryError, func(t *testing.T) {
		useMigrator(t, nil, errors.New("factory failed"))
		_, _, err := Version(nil)
		assert.Error(t, err)
	})
}

func TestDown(t *testing.T) {
	t.Run(migrateTestSuccess, func(t *testing.T) {
		useMigrator(t, &mockMigrator{}, nil)
		assert.NoError(t, Down(nil))
	})

	t.Run("no change is not an error", func(t *testing.T) {
		useMigrator(t, &mockMigrator{downErr: migrate.ErrNoChange}, nil)
		assert.NoError(t, Down(nil))
	})

	t.Run("down error", func(t *testing.T) {
		useMigrator(t, &mockMigrator{downErr: errors.New("down failed")}, nil)
		err := Down(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rolling back migrations")
	})

	t.Run(migrateTestFactoryError, func(t *testing.T) {
		useMigrator(t, nil, errors.New("factory failed"))
		assert.Error(t, Down(nil))
	})
}

func TestSteps(t *testing.T) {
	t.Run(migrateTestSuccess, func(t *testing.T) {
		useMigrator(t, &mockMigrator{}, nil)
		assert.NoError(t, Steps(nil, 1))
	})

	t.Run("no change is not an error", func(t *testing.T) {
		useMigrator(t, &mockMigrator{stepsErr: migrate.ErrNoChange}, nil)
		assert.NoError(t, Steps(nil, 1))
	})

	t.Run("steps error", func(t *testing.T) {
		useMigrator(t, &mockMigrator{stepsErr: errors.New("steps failed")}, nil)
		err := Steps(nil, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stepping migrations")
	})

	t.Run(migrateTestFactoryError, func(t *testing.T) {
		useMigrator(t, nil, errors.New("factory failed"))
		assert.Error(t, Steps(nil, -1))
	})
}
