// Package storage persists runs, threads and crons via GORM. Production uses
// the postgres driver; tests use the pure-Go sqlite dialector. All methods
// translate gorm.ErrRecordNotFound into a structured NOT_FOUND error so
// callers never depend on GORM sentinels.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PoolConfig tunes the sql.DB connection pool behind GORM.
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultPoolConfig returns sensible pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Store is the persistence layer. Construct with NewStore (tests) or Open
// (production postgres).
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// Open connects to postgres, applies pool settings and migrates the schema.
func Open(dsn string, pool PoolConfig, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	logger.Info("database pool initialized",
		zap.Int("max_idle_conns", pool.MaxIdleConns),
		zap.Int("max_open_conns", pool.MaxOpenConns),
		zap.Duration("conn_max_lifetime", pool.ConnMaxLifetime),
	)

	return NewStore(db, logger)
}

// NewStore wraps an existing GORM handle and migrates the schema.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&Run{}, &Thread{}, &Cron{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	sqlDB, _ := db.DB()
	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "storage")),
	}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.sqlDB == nil {
		return fmt.Errorf("store has no underlying sql.DB")
	}
	return s.sqlDB.PingContext(ctx)
}

// Stats exposes connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	if s.sqlDB == nil {
		return sql.DBStats{}
	}
	return s.sqlDB.Stats()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.sqlDB == nil {
		return nil
	}
	s.logger.Info("closing database pool")
	return s.sqlDB.Close()
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}
