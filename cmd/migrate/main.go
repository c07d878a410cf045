package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/infrastructure/config"
	"github.com/davidleathers/healthcare-audit-pipeline/migrations"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "migrations"
)

func main() {
	var (
		action     = flag.String("action", "up", "Migration action: up, down, status, force, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		forceTo    = flag.Int("version", -1, "Version to force (for force action)")
		configPath = flag.String("config", "configs/config.yaml", "Path to config file")
	)
	flag.Parse()

	// create touches only the local source tree, no database needed.
	if *action == "create" {
		if *name == "" {
			slog.Error("migration name is required for create action")
			os.Exit(1)
		}
		if err := createMigration(*name); err != nil {
			slog.Error("failed to create migration", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	m, cleanup, err := newMigrator(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to initialize migrator", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	switch *action {
	case "up":
		err = runUp(m, *steps)
	case "down":
		err = runDown(m, *steps)
	case "status":
		err = printStatus(m)
	case "force":
		if *forceTo < 0 {
			slog.Error("force action requires -version")
			os.Exit(1)
		}
		err = m.Force(*forceTo)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// newMigrator wires the embedded migrations to the configured database. The
// returned cleanup closes both the migrator and the underlying connection.
func newMigrator(databaseURL string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize postgres driver: %w", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	cleanup := func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
		db.Close()
	}
	return m, cleanup, nil
}

func runUp(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(steps)
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("no pending migrations")
		return nil
	}
	if err != nil {
		return err
	}
	return logVersion(m, "migrations applied")
}

func runDown(m *migrate.Migrate, steps int) error {
	var err error
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return err
	}
	return logVersion(m, "rollback completed")
}

func printStatus(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("Database version: none (no migrations applied)")
	case err != nil:
		return err
	default:
		fmt.Printf("Database version: %d (dirty: %v)\n", version, dirty)
	}

	entries, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(entries)

	fmt.Printf("\nEmbedded migrations: %d\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("  %s\n", strings.TrimSuffix(entry, ".up.sql"))
	}
	return nil
}

// createMigration writes a timestamped up/down pair into the local source
// tree; the files ship with the binary on the next build via the embed.
func createMigration(name string) error {
	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	version := time.Now().UTC().Format("20060102150405")
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(migrationsDir, fmt.Sprintf("%s_%s.%s.sql", version, name, direction))
		content := fmt.Sprintf("-- %s (%s)\n\n", name, direction)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to create migration file: %w", err)
		}
		slog.Info("created migration", "file", path)
	}
	return nil
}

func logVersion(m *migrate.Migrate, msg string) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(msg, "version", "none")
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info(msg, "version", version, "dirty", dirty)
	return nil
}
