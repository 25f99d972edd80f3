package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Backend selects the database driver.
type Backend string

const (
	// BackendPostgres is the production backend (schema "crawler").
	BackendPostgres Backend = "postgres"

	// BackendSQLite is the test backend. Use DSN ":memory:" for a throwaway
	// database.
	BackendSQLite Backend = "sqlite"
)

// Config configures the directory store.
type Config struct {
	Backend Backend
	DSN     string

	// MaxOpenConns / MaxIdleConns tune the Postgres pool. Zero picks the
	// defaults below.
	MaxOpenConns int
	MaxIdleConns int
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendPostgres
	}
	if c.Backend == BackendPostgres {
		if c.MaxOpenConns == 0 {
			c.MaxOpenConns = 10
		}
		if c.MaxIdleConns == 0 {
			c.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendSQLite:
		if c.DSN == "" {
			return fmt.Errorf("%s dsn is required", c.Backend)
		}
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
	return nil
}

// Store provides access to the crawler directory tables. It supports both
// Postgres and SQLite backends via the same codebase.
type Store struct {
	db      *gorm.DB
	backend Backend
}

// New opens the directory store.
//
// On Postgres the tables live in schema "crawler", managed by the embedded
// SQL migrations; New assumes they exist. On SQLite the schema is created in
// place, which keeps store tests self-contained.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory configuration: %w", err)
	}

	var dialector gorm.Dialector
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	switch config.Backend {
	case BackendPostgres:
		dialector = postgres.Open(config.DSN)
		gormConfig.NamingStrategy = schema.NamingStrategy{
			TablePrefix: "crawler.",
		}
	case BackendSQLite:
		dialector = sqlite.Open(config.DSN)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Backend == BackendPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}

	if config.Backend == BackendSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		// An in-memory database exists per connection; a second pooled
		// connection would see an empty schema.
		sqlDB.SetMaxOpenConns(1)

		if err := db.AutoMigrate(AllModels()...); err != nil {
			return nil, fmt.Errorf("failed to run database migration: %w", err)
		}
	}

	return &Store{db: db, backend: config.Backend}, nil
}

// DB returns the underlying GORM database connection. Useful for advanced
// queries or testing.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Serializable runs fn inside a transaction. On Postgres the transaction is
// SERIALIZABLE, matching the exactly-once-per-range guarantee of collection
// records; SQLite transactions are already serialized.
func (s *Store) Serializable(ctx context.Context, fn func(tx *Store) error) error {
	var opts []*sql.TxOptions
	if s.backend == BackendPostgres {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, backend: s.backend})
	}, opts...)
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
