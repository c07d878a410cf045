package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/testutil/containers"
	"github.com/davidleathers/healthcare-audit-pipeline/migrations"
)

// TestDB is a disposable, fully migrated PostgreSQL instance. Each call
// starts its own container; container and connections are torn down with
// the test.
type TestDB struct {
	t   *testing.T
	db  *sql.DB
	url string
}

// NewTestDB starts a postgres container and applies every embedded migration.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()
	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = pg.Terminate(context.Background())
	})

	db, err := sql.Open("postgres", pg.ConnectionString)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.Ping())

	applyMigrations(t, db)

	return &TestDB{t: t, db: db, url: pg.ConnectionString}
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	require.NoError(t, err)

	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	require.NoError(t, err)

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err, "failed to apply migrations")
	}
}

// DB returns the raw handle for direct assertions.
func (d *TestDB) DB() *sql.DB {
	return d.db
}

// URL returns the connection string for components that dial themselves.
func (d *TestDB) URL() string {
	return d.url
}

// TruncateTables clears the given tables between test cases.
func (d *TestDB) TruncateTables(tables ...string) {
	d.t.Helper()
	for _, table := range tables {
		_, err := d.db.Exec("TRUNCATE TABLE " + table + " CASCADE")
		require.NoError(d.t, err)
	}
}
