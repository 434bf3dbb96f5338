package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("LND_SOCKET", "localhost:10009")
	t.Setenv("PAYOPS_CONFIG", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresLNDSocket(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/payops")
	t.Setenv("LND_SOCKET", "")
	t.Setenv("PAYOPS_CONFIG", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/payops")
	t.Setenv("LND_SOCKET", "localhost:10009")
	t.Setenv("PAYOPS_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.OpsPort)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, int64(1), cfg.RewardsUserID)
	assert.Equal(t, 2*time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2160*time.Hour, cfg.Bolt11Retention)
}

func TestLoadTOMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payops.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_source = "postgres://file/payops"
lnd_socket = "file:10009"
ops_port = "9999"
sweep_interval = "5m"
rewards_user_id = 42
`), 0o600))

	t.Setenv("PAYOPS_CONFIG", path)
	t.Setenv("DB_SOURCE", "postgres://env/payops")
	t.Setenv("LND_SOCKET", "")
	t.Setenv("OPS_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	// env wins over file, file wins over defaults
	assert.Equal(t, "postgres://env/payops", cfg.DBSource)
	assert.Equal(t, "file:10009", cfg.LNDSocket)
	assert.Equal(t, "9999", cfg.OpsPort)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, int64(42), cfg.RewardsUserID)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/payops")
	t.Setenv("LND_SOCKET", "localhost:10009")
	t.Setenv("PAYOPS_CONFIG", "")
	t.Setenv("SWEEP_INTERVAL", "every ten minutes")

	_, err := Load()
	assert.Error(t, err)
}
