package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.DBDriverSQLite, cfg.DBDriver)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("TASK_TIMEOUT", "90s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Second, cfg.TaskTimeout)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	// Create a temp .env file
	content := []byte("DOCUMENTS_DIR=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")
	defer os.Unsetenv("DOCUMENTS_DIR")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DocumentsDir)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
