package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "")
	os.Unsetenv("CACHE_BACKEND")

	cfg := LoadConfig()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.True(t, cfg.CacheTenantIsolation)
	assert.Equal(t, time.Duration(0), cfg.TaskTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("QUEUE_WORKERS", "7")
	t.Setenv("TASK_TIMEOUT", "90")
	t.Setenv("CACHE_TTL", "15m")
	t.Setenv("MEMORY_MAX_FRACTION", "0.5")
	t.Setenv("CACHE_TENANT_ISOLATION", "false")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.QueueWorkers)
	assert.Equal(t, 90*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 0.5, cfg.MemoryMaxFraction)
	assert.False(t, cfg.CacheTenantIsolation)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadConfig_BadValuesWarn(t *testing.T) {
	t.Setenv("QUEUE_WORKERS", "many")
	t.Setenv("CACHE_TTL", "soon")

	cfg := LoadConfig()
	assert.Equal(t, 4, cfg.QueueWorkers)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Len(t, cfg.Warnings, 2)
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.CacheBackend = CachePostgres
	cfg.DatabaseURL = ""
	cfg.QueueWorkers = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "QUEUE_WORKERS")

	cfg = LoadConfig()
	cfg.CacheBackend = "floppy"
	assert.Error(t, cfg.Validate())
}

func TestLoadPatternSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sets:
  invoices:
    invoice_no: 'INV-(\d+)'
    total: 'Total:\s*([\d.,]+)'
`), 0o600))

	sets, err := LoadPatternSets(path)
	require.NoError(t, err)
	require.Contains(t, sets, "invoices")
	assert.Equal(t, `INV-(\d+)`, sets["invoices"]["invoice_no"])

	empty, err := LoadPatternSets("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = LoadPatternSets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
