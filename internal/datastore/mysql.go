package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// MySQLStore is the MySQL implementation of Store.
type MySQLStore struct {
	db       *gorm.DB
	location string // host:port/database for display
	log      logger.Logger
}

// NewMySQLStore connects to the server described by settings.MySQL.
func NewMySQLStore(settings *conf.DatabaseSettings, log logger.Logger) (*MySQLStore, error) {
	return NewMySQLStoreDSN(settings.MySQLDSN(),
		fmt.Sprintf("%s:%d/%s", settings.MySQL.Host, settings.MySQL.Port, settings.MySQL.Database),
		log, settings.SlowQueryThreshold)
}

// NewMySQLStoreDSN connects with a ready DSN; location is only used for display.
func NewMySQLStoreDSN(dsn, location string, log logger.Logger, slowQuery time.Duration) (*MySQLStore, error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	log = log.Module("mysql")

	db, err := gorm.Open(mysql.Open(dsn), gormConfig(log, slowQuery))
	if err != nil {
		return nil, dbError(err, "open_mysql", errors.PriorityCritical, "location", location)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("mysql store opened", logger.String("location", location))
	return &MySQLStore{db: db, location: location, log: log}, nil
}

// Initialize creates or migrates the schema.
func (s *MySQLStore) Initialize() error {
	return migrate(s.db)
}

// DB returns the underlying GORM database.
func (s *MySQLStore) DB() *gorm.DB {
	return s.db
}

// Dialect returns DialectMySQL.
func (s *MySQLStore) Dialect() string {
	return DialectMySQL
}

// IsMySQL returns true.
func (s *MySQLStore) IsMySQL() bool {
	return true
}

// Path returns host:port/database.
func (s *MySQLStore) Path() string {
	return s.location
}

// Ping checks the connection.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return ping(ctx, s.db)
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return closeDB(s.db)
}
