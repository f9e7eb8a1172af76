package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/huntsman-telescope/drp/internal/db"
	"github.com/huntsman-telescope/drp/internal/db/sqlite/migrations"

	// Import SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

// Config holds connection parameters for an SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements db.Store on a single SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the database, applies pragmas and runs embedded migrations.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 10 * time.Second
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{db: conn, now: time.Now}, nil
}

// dsn applies the pragmas to every pooled connection.
func dsn(cfg Config) string {
	path := cfg.Path
	if path != ":memory:" {
		if abs, err := filepath.Abs(path); err == nil {
			path = filepath.ToSlash(abs)
		}
	}
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())
}

func runMigrations(conn *sql.DB) error {
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return &db.Error{Op: db.OpMigrate, Err: fmt.Errorf("failed to initialise migrate driver: %w", err)}
	}

	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return &db.Error{Op: db.OpMigrate, Err: fmt.Errorf("failed to load embedded migrations: %w", err)}
	}
	defer func() {
		_ = sourceDriver.Close()
	}()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return &db.Error{Op: db.OpMigrate, Err: fmt.Errorf("failed to create migrator: %w", err)}
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &db.Error{Op: db.OpMigrate, Err: fmt.Errorf("failed to apply migrations: %w", err)}
	}

	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (s *Store) Close() {
	_ = s.db.Close()
}

// WaitForReady pings the database until it answers or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return db.WaitForReady(ctx, s, timeout)
}
