package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// sqliteParams are appended to every SQLite DSN. BEGIN IMMEDIATE makes the
// read of a sample's runs and the summary write one atomic unit.
const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL"

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db     *gorm.DB
	dbPath string
	log    logger.Logger
}

// NewSQLiteStore opens (creating if needed) the database file at dbPath.
func NewSQLiteStore(dbPath string, log logger.Logger, slowQuery time.Duration) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.Newf("sqlite path is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	log = log.Module("sqlite")

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("operation", "create_db_directory").
				Context("path", dir).
				Build()
		}
	}

	dsn := fmt.Sprintf("%s?%s", dbPath, sqliteParams)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(log, slowQuery))
	if err != nil {
		return nil, dbError(err, "open_sqlite", errors.PriorityCritical, "path", dbPath)
	}

	log.Info("sqlite store opened", logger.String("path", dbPath))
	return &SQLiteStore{db: db, dbPath: dbPath, log: log}, nil
}

// Initialize creates or migrates the schema.
func (s *SQLiteStore) Initialize() error {
	return migrate(s.db)
}

// DB returns the underlying GORM database.
func (s *SQLiteStore) DB() *gorm.DB {
	return s.db
}

// Dialect returns DialectSQLite.
func (s *SQLiteStore) Dialect() string {
	return DialectSQLite
}

// IsMySQL returns false.
func (s *SQLiteStore) IsMySQL() bool {
	return false
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return ping(ctx, s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return closeDB(s.db)
}
