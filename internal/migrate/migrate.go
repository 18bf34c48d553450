// Package migrate applies the ClickHouse schema used by the clickhouse
// export protocol.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a new Migrator. dsn is used as given and must carry
// x-multi-statement=true; export.ClickHouseConfig.DSN builds one.
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// Versions lists the embedded migration versions in order.
func Versions() ([]uint, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	versions := []uint{v}

	for {
		v, err = src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return versions, nil
		}

		if err != nil {
			return nil, fmt.Errorf("reading migration after %d: %w", v, err)
		}

		versions = append(versions, v)
	}
}

func (m *migrator) Up(ctx context.Context) error {
	mig, closeFn, err := m.newMigrate(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	m.log.Info("Running migrations...")

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, _, _ := mig.Version()
	m.log.WithField("version", version).Info("Migrations completed successfully")

	return nil
}

func (m *migrator) Down(ctx context.Context) error {
	mig, closeFn, err := m.newMigrate(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	m.log.Info("Rolling back last migration...")

	if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	m.log.Info("Rollback completed successfully")

	return nil
}

func (m *migrator) Status(ctx context.Context) (uint, bool, error) {
	mig, closeFn, err := m.newMigrate(ctx)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

// newMigrate creates a migrate instance that stops between steps once
// ctx is done. Callers must call the returned stop func.
func (m *migrator) newMigrate(ctx context.Context) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, m.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	mig.Log = migrateLogger{log: m.log}

	stopAfter := context.AfterFunc(ctx, func() {
		select {
		case mig.GracefulStop <- true:
		default:
		}
	})

	return mig, func() {
		stopAfter()
		mig.Close()
	}, nil
}

// migrateLogger adapts logrus to migrate.Logger.
type migrateLogger struct {
	log logrus.FieldLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return false
}
