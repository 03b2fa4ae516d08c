//go:build integration

package migrate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const latestVersion uint = 4

// schemaObjects are the relations the migrations own, with the
// information_schema table that lists each.
var schemaObjects = []struct {
	name    string
	catalog string
}{
	{"documents", "tables"},
	{"audit_events", "tables"},
	{"step_history", "views"},
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("steptracker"),
		postgres.WithUsername("steptracker"),
		postgres.WithPassword("steptracker"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func relationExists(t *testing.T, db *sql.DB, catalog, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.`+catalog+` WHERE table_name = $1)`, name,
	).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func requireVersion(t *testing.T, db *sql.DB, want uint) {
	t.Helper()
	version, dirty, err := Version(db)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, want, version)
}

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := openTestDB(t)

	require.NoError(t, Run(db))
	requireVersion(t, db, latestVersion)
	for _, obj := range schemaObjects {
		assert.True(t, relationExists(t, db, obj.catalog, obj.name), "%s should exist", obj.name)
	}

	// A second run has nothing to apply.
	require.NoError(t, Run(db))
	requireVersion(t, db, latestVersion)

	require.NoError(t, Down(db))
	for _, obj := range schemaObjects {
		assert.False(t, relationExists(t, db, obj.catalog, obj.name), "%s should be dropped", obj.name)
	}

	require.NoError(t, Steps(db, 1))
	requireVersion(t, db, 1)
	assert.True(t, relationExists(t, db, "tables", "documents"))
	assert.False(t, relationExists(t, db, "views", "step_history"))

	require.NoError(t, Steps(db, int(latestVersion)-1))
	requireVersion(t, db, latestVersion)
}

func TestStepHistoryView(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := openTestDB(t)
	require.NoError(t, Run(db))

	_, err := db.Exec(`INSERT INTO documents (path, data) VALUES
		('users/apikey%3Aops', '{"steps": 9}'),
		('users/apikey%3Aops/history/2026-03-14', '{"steps": 120, "user_id": "apikey:ops"}'),
		('users/u1/history/2026-03-13', '{"steps": 40}')`)
	require.NoError(t, err)

	rows, err := db.Query(`SELECT user_id, day, steps FROM step_history ORDER BY day`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	type row struct {
		user, day string
		steps     int64
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.user, &r.day, &r.steps))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []row{
		{"u1", "2026-03-13", 40},
		{"apikey:ops", "2026-03-14", 120},
	}, got)
}
