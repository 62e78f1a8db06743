package postgres

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator applies the SQL migrations in a directory.
type Migrator struct {
	databaseURL string
	source      string
	logger      *slog.Logger
}

// NewMigrator creates a migrator for the migrations under path.
func NewMigrator(databaseURL, path string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		databaseURL: databaseURL,
		source:      "file://" + path,
		logger:      logger,
	}
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	mg, err := migrate.New(m.source, m.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mg, nil
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("database migrations: no change")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	m.logger.Info("database migrations: applied successfully")
	return nil
}

// Down rolls back the given number of migrations.
func (m *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}

	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Steps(-steps); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	m.logger.Info("database migrations: rolled back", "steps", steps)
	return nil
}

// Version reports the applied version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// RunMigrations applies every pending migration.
func RunMigrations(databaseURL, migrationsPath string) error {
	return NewMigrator(databaseURL, migrationsPath, nil).Up()
}
