// Package datastore holds the aggregation store: prediction runs, their well
// predictions and inference results, and the per-sample summaries, kept in
// SQLite or MySQL through GORM.
package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dialect names.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

const defaultSlowQueryThreshold = 200 * time.Millisecond

// Store is an opened aggregation database.
type Store interface {
	// Initialize creates or migrates the schema.
	Initialize() error
	// DB returns the underlying GORM database.
	DB() *gorm.DB
	// Dialect returns DialectSQLite or DialectMySQL.
	Dialect() string
	// IsMySQL reports whether row locks must be requested explicitly.
	IsMySQL() bool
	// Path returns the database location for display.
	Path() string
	// Ping checks that the database answers.
	Ping(ctx context.Context) error
	// Close closes the connection pool.
	Close() error
}

// Open opens the store selected by settings.Type. The schema is not migrated;
// call Initialize.
func Open(settings *conf.DatabaseSettings, log logger.Logger) (Store, error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	switch settings.Type {
	case conf.DatabaseSQLite, "":
		return NewSQLiteStore(settings.SQLite.Path, log, settings.SlowQueryThreshold)
	case conf.DatabaseMySQL:
		return NewMySQLStore(settings, log)
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Context("database_type", settings.Type).
			Build()
	}
}

// gormConfig returns the shared GORM configuration for both dialects.
func gormConfig(log logger.Logger, slow time.Duration) *gorm.Config {
	if slow <= 0 {
		slow = defaultSlowQueryThreshold
	}
	return &gorm.Config{
		Logger:                 logger.NewGormLoggerAdapter(log, slow),
		SkipDefaultTransaction: true,
		TranslateError:         false,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(entities.All()...); err != nil {
		return dbError(err, "migrate", errors.PriorityCritical)
	}
	return nil
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "ping", errors.PriorityHigh)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping", errors.PriorityHigh)
	}
	return nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}

// ForUpdate adds a row lock to q on dialects that need one. SQLite
// transactions are opened with BEGIN IMMEDIATE and already hold the write lock.
func ForUpdate(s Store, q *gorm.DB) *gorm.DB {
	if s.IsMySQL() {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}
