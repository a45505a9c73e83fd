package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database types.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique constraint violated")
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// NewPostgresDB establishes a new connection to the PostgreSQL database.
func NewPostgresDB(dataSourceName string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(DriverPostgres, dataSourceName)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to the database", zap.String("type", DriverPostgres))
	return db, nil
}

// NewSQLiteDB opens a SQLite database file. A single connection serializes
// writers, which gives transactions the same at-most-one-winner behaviour
// row locks give on Postgres.
func NewSQLiteDB(path string, logger *zap.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_time_format=sqlite", path)
	db, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	logger.Info("Successfully connected to the database", zap.String("type", DriverSQLite), zap.String("path", path))
	return db, nil
}

// MigrateDB runs the embedded migrations for the connection's driver.
func MigrateDB(db *sqlx.DB, logger *zap.Logger) error {
	var (
		driver database.Driver
		err    error
	)
	switch db.DriverName() {
	case DriverPostgres:
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", db.DriverName())
	}
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+db.DriverName())
	if err != nil {
		return fmt.Errorf("couldn't open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.DriverName(), driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	logger.Info("Database migration was run successfully")
	return nil
}

// Store is the single transactional store the labeling core coordinates through.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore wraps an open, migrated connection.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects to the configured database and migrates it.
func Open(dbType, url string, logger *zap.Logger) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch dbType {
	case DriverPostgres:
		db, err = NewPostgresDB(url, logger)
	case DriverSQLite, "":
		db, err = NewSQLiteDB(url, logger)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
	if err != nil {
		return nil, err
	}

	if err := MigrateDB(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db, logger), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is a unit of work. Everything done through one Tx commits or rolls back together.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
