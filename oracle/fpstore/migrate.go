package fpstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplyMigrations runs every pending fp_events schema migration against
// db using golang-migrate's embedded-filesystem source driver. It is
// idempotent: running it again once the schema is current is a no-op.
func ApplyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("fpstore: open migration source: %w", err)
	}

	// A dedicated version table keeps this package's migrations from
	// colliding with the consent/reputation migrators sharing the DB.
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "fpstore_schema_migrations"})
	if err != nil {
		return fmt.Errorf("fpstore: open postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("fpstore: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("fpstore: apply migrations: %w", err)
	}
	return nil
}
