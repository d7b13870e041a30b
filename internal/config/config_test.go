package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(30), cfg.Engine.FeeBps)
	assert.Equal(t, uint64(1_000), cfg.Engine.MinLiquidity)
	assert.Equal(t, 32, cfg.Engine.RebalanceMaxIterations)
	assert.Equal(t, "full", cfg.Mode)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "server"
log_level = "debug"

[engine]
fee_bps = 50
snapshot_interval = "30s"

[server]
port = 9090
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, uint64(50), cfg.Engine.FeeBps)
	assert.Equal(t, 30*time.Second, cfg.Engine.SnapshotInterval.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, uint64(1_000), cfg.Engine.MinLiquidity)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONDAMM_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("CONDAMM_ENGINE_FEE_BPS", "77")
	t.Setenv("CONDAMM_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, uint64(77), cfg.Engine.FeeBps)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Engine.FeeBps = 10_000
	cfg.Engine.MinLiquidity = 0
	cfg.Postgres.PoolMinConns = 99

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "fee_bps")
	assert.Contains(t, err.Error(), "min_liquidity")
	assert.Contains(t, err.Error(), "pool_min_conns")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "secret"
	cfg.Server.APIKey = "key"
	cfg.Signer.PrivateKey = "0xdeadbeef"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Signer.PrivateKey)
	// Original is untouched.
	assert.Equal(t, "secret", cfg.Postgres.Password)
}
