package config_test

import (
	"errors"
	"testing"
	"time"

	"localrag/apps/backend/internal/config"

	"github.com/stretchr/testify/assert"
)

func validConfig() config.Config {
	return config.Config{
		DBDriver:          config.DBDriverSQLite,
		DBPath:            "data/localrag.db",
		SnapshotBackend:   config.SnapshotSQL,
		ChunkSize:         500,
		ChunkOverlap:      50,
		TopK:              3,
		CacheSize:         100,
		CacheTTL:          time.Hour,
		WorkerConcurrency: 2,
		MaxAttempts:       3,
		VisibilityTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
		errIs   error
	}{
		{
			name:    "Valid Config",
			mutate:  func(c *config.Config) {},
			wantErr: false,
		},
		{
			name:    "Missing DBPath",
			mutate:  func(c *config.Config) { c.DBPath = "" },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name:    "Postgres Without DSN",
			mutate:  func(c *config.Config) { c.DBDriver = config.DBDriverPostgres },
			wantErr: true,
			errIs:   config.ErrMissingRequired,
		},
		{
			name: "Postgres With DSN",
			mutate: func(c *config.Config) {
				c.DBDriver = config.DBDriverPostgres
				c.DBDSN = "postgres://localrag@localhost/localrag?sslmode=disable"
			},
			wantErr: false,
		},
		{
			name:    "Unknown Snapshot Backend",
			mutate:  func(c *config.Config) { c.SnapshotBackend = "s3" },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Overlap Not Below Size",
			mutate:  func(c *config.Config) { c.ChunkOverlap = 500 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Heartbeat Exceeds Visibility",
			mutate:  func(c *config.Config) { c.HeartbeatInterval = time.Minute },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
		{
			name:    "Zero TopK",
			mutate:  func(c *config.Config) { c.TopK = 0 },
			wantErr: true,
			errIs:   config.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errIs != nil {
					assert.True(t, errors.Is(err, tt.errIs))
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
