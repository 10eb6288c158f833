package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "share-ledger", cfg.AppName)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 10, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxJobAttempts)
	assert.Equal(t, 5*time.Minute, cfg.JobStaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Contains(t, cfg.MySQLDSN, "clientFoundRows=true")
	assert.True(t, cfg.Threshold().Equal(decimal.NewFromInt(1000)))
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	body := "WORKER_COUNT=4\nLOW_STOCK_THRESHOLD=250.50\nRECONCILE_INTERVAL=30s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"), []byte(body), 0o600))
	t.Setenv("WORKER_COUNT", "7")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.Threshold().Equal(decimal.RequireFromString("250.50")))
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad threshold", "LOW_STOCK_THRESHOLD", "lots"},
		{"zero workers", "WORKER_COUNT", "0"},
		{"zero attempts", "MAX_JOB_ATTEMPTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig(t.TempDir())
			assert.Error(t, err)
		})
	}
}
