package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ReservedConns is the headroom kept above the lease capacity for readiness
// pings, so a fully leased pool never blocks a health check.
const ReservedConns = 1

// ErrInsufficientHeadroom is returned when MaxOpenConns cannot back every lease.
var ErrInsufficientHeadroom = errors.New("max open connections leave no headroom over lease capacity")

// Config controls GORM/PostgreSQL connectivity. LeaseCapacity is the lease
// pool's Size+MaxOverflow; the sql.DB limits are derived from it.
type Config struct {
	DSN             string
	LeaseCapacity   int
	IdleLeases      int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	LogLevel        gormlogger.LogLevel
}

// PoolLimits returns the sql.DB open and idle limits. A zero MaxOpenConns is
// derived as LeaseCapacity+ReservedConns; an explicit value below that is
// rejected, since a lease would then wait on database/sql instead of the
// lease timeout.
func (c Config) PoolLimits() (maxOpen, maxIdle int, err error) {
	if c.LeaseCapacity < 1 {
		return 0, 0, fmt.Errorf("lease capacity must be positive, got %d", c.LeaseCapacity)
	}
	need := c.LeaseCapacity + ReservedConns
	maxOpen = c.MaxOpenConns
	switch {
	case maxOpen == 0:
		maxOpen = need
	case maxOpen < need:
		return 0, 0, fmt.Errorf("%w: %d < %d leases + %d reserved", ErrInsufficientHeadroom, maxOpen, c.LeaseCapacity, ReservedConns)
	}

	// idle leases plus the reserved health-check connections
	maxIdle = c.IdleLeases + ReservedConns
	if c.IdleLeases <= 0 {
		maxIdle = ReservedConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	return maxOpen, maxIdle, nil
}

// Connect opens the gorm handle the lease pool draws connections from.
// Statements run on leased *sql.Conn handles, so prepared statements and the
// implicit write transaction are disabled.
func Connect(ctx context.Context, cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	maxOpen, maxIdle, err := cfg.PoolLimits()
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = gormlogger.Warn
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		SkipDefaultTransaction: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: gormlogger.Default.LogMode(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("retrieve sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
