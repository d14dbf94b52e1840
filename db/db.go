package db

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// PoolOptions limits the connection pool
type PoolOptions struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPool is used by New
var DefaultPool = PoolOptions{
	MaxIdleConns:    1,
	MaxOpenConns:    20,
	ConnMaxLifetime: time.Hour,
}

func open(logger *zap.Logger, dialector gorm.Dialector, level gormlogger.LogLevel) (*gorm.DB, error) {
	// lookup misses are handled in application logic, let's not forward them to zap/sentry
	gLogger := zapgorm2.Logger{
		ZapLogger:                 logger.Named("gorm"),
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		SkipCallerLookup:          false,
		IgnoreRecordNotFoundError: true,
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: gLogger,
	})
}

// New returns an instance for interacting with the PostgreSQL database
func New(logger *zap.Logger, uri string) (*gorm.DB, error) {
	return NewWithPool(logger, uri, DefaultPool)
}

// NewWithPool is New with explicit pool limits
func NewWithPool(logger *zap.Logger, uri string, opt PoolOptions) (*gorm.DB, error) {
	db, err := open(logger, postgres.Open(uri), gormlogger.Warn)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(opt.MaxIdleConns)
	pool.SetMaxOpenConns(opt.MaxOpenConns)
	pool.SetConnMaxLifetime(opt.ConnMaxLifetime)
	return db, nil
}

// NewSQLite opens an SQLite database. Row locking clauses are dropped by this dialect,
// so it is only suitable for tests and single-process tooling.
func NewSQLite(logger *zap.Logger, dsn string) (*gorm.DB, error) {
	db, err := open(logger, sqlite.Open(dsn), gormlogger.Error)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot open sqlite database")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	// a shared in-memory database disappears with its last connection
	pool.SetMaxOpenConns(1)
	return db, nil
}

// NewMemory opens a private in-memory SQLite database named name
func NewMemory(logger *zap.Logger, name string) (*gorm.DB, error) {
	return NewSQLite(logger, "file:"+name+"?mode=memory&cache=shared")
}
