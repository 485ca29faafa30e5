package database

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_ArePaired(t *testing.T) {
	files, err := MigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range files {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
	assert.Contains(t, ups, "000001_create_upload_records")
}

func TestConnFactory_OpenAndClose(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	factory := NewConnFactory(db)
	conn, err := factory.Open(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.NoError(t, factory.Close(conn))
	assert.Error(t, conn.PingContext(context.Background()))
}

func TestConnFactory_OpenHonoursContext(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewConnFactory(db).Open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_PoolLimits(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantOpen int
		wantIdle int
		wantErr  error
	}{
		{name: "derived from capacity", cfg: Config{LeaseCapacity: 20, IdleLeases: 10}, wantOpen: 21, wantIdle: 11},
		{name: "explicit with headroom", cfg: Config{LeaseCapacity: 20, IdleLeases: 10, MaxOpenConns: 30}, wantOpen: 30, wantIdle: 11},
		{name: "no idle leases", cfg: Config{LeaseCapacity: 4}, wantOpen: 5, wantIdle: 1},
		{name: "idle clamped to open", cfg: Config{LeaseCapacity: 2, IdleLeases: 8}, wantOpen: 3, wantIdle: 3},
		{name: "equal to capacity", cfg: Config{LeaseCapacity: 20, MaxOpenConns: 20}, wantErr: ErrInsufficientHeadroom},
		{name: "below capacity", cfg: Config{LeaseCapacity: 20, MaxOpenConns: 12}, wantErr: ErrInsufficientHeadroom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maxOpen, maxIdle, err := tt.cfg.PoolLimits()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOpen, maxOpen)
			assert.Equal(t, tt.wantIdle, maxIdle)
		})
	}

	_, _, err := Config{}.PoolLimits()
	assert.Error(t, err)
}

func TestConnect_RejectsBadConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{LeaseCapacity: 2})
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{DSN: "postgres://localhost/uploads", LeaseCapacity: 2, MaxOpenConns: 2})
	assert.ErrorIs(t, err, ErrInsufficientHeadroom)
}
