package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ConnFactory opens dedicated connections for the lease pool.
type ConnFactory struct {
	db *sql.DB
}

// NewConnFactory wraps the shared *sql.DB.
func NewConnFactory(db *sql.DB) *ConnFactory {
	return &ConnFactory{db: db}
}

// Open checks a connection out of database/sql and verifies it is alive.
func (f *ConnFactory) Open(ctx context.Context) (*sql.Conn, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}
	return conn, nil
}

// Close hands the connection back to database/sql.
func (f *ConnFactory) Close(conn *sql.Conn) error {
	return conn.Close()
}
