package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fpmath "StabilityPool/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := kv[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cc, err := cfg.CoreConfig(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cc.StartSequence)
	assert.True(t, cc.CollateralPrice.Eq(fpmath.FromUnits(2000)))
	assert.True(t, cc.MCR.Eq(fpmath.MustParseUnits("1.1")))
	// Empty means the issuance defaults.
	assert.True(t, cc.Issuance.SupplyCap.IsZero())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stabilitypool.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
GRPCAddr = ":7000"
PersistBatchSize = 10
PersistFlushTimeout = "25ms"

[Pool]
CollateralPrice = "1800.5"
DeployedAt = 2023-01-02T03:04:05Z
`), 0o600))

	t.Setenv("SP_GRPC_ADDR", ":7100")
	t.Setenv("SP_SNAPSHOT_INTERVAL", "500")
	t.Setenv("SP_ADMIN_TOKEN", "ops-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.GRPCAddr, "env wins over file")
	assert.Equal(t, 10, cfg.PersistBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, int64(500), cfg.SnapshotInterval)
	assert.Equal(t, "ops-token", cfg.AdminToken)
	assert.Equal(t, "1800.5", cfg.Pool.CollateralPrice)
	assert.Equal(t, "1.1", cfg.Pool.MCR, "unset keys keep their defaults")
	assert.Equal(t, time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), cfg.Pool.DeployedAt.UTC())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
	assert.Empty(t, cfg.AdminToken, "admin service is off unless configured")
}

func TestLoad_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`GRPCAdress = ":1"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRPCAdress")
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, c Config)
		wantErr bool
	}{
		{
			name: "ints",
			env:  map[string]string{"SP_PERSIST_CHAN_SIZE": "16", "SP_IDEMPOTENCY_LRU_CAPACITY": "99"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, 16, c.PersistChanSize)
				assert.Equal(t, 99, c.IdempotencyLRUCapacity)
			},
		},
		{
			name: "deployment time",
			env:  map[string]string{"SP_DEPLOYED_AT": "2024-06-01T00:00:00Z"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, 2024, c.Pool.DeployedAt.Year())
			},
		},
		{
			name: "empty values are ignored",
			env:  map[string]string{"SP_NATS_URL": ""},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, Default().NATSURL, c.NATSURL)
			},
		},
		{name: "bad int", env: map[string]string{"SP_PERSIST_BATCH_SIZE": "ten"}, wantErr: true},
		{name: "bad duration", env: map[string]string{"SP_PERSIST_FLUSH_TIMEOUT": "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			err := c.applyEnv(envOf(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero batch", func(c *Config) { c.PersistBatchSize = 0 }},
		{"no deployment", func(c *Config) { c.Pool.DeployedAt = time.Time{} }},
		{"zero price", func(c *Config) { c.Pool.CollateralPrice = "0" }},
		{"missing mcr", func(c *Config) { c.Pool.MCR = "" }},
		{"garbage cap", func(c *Config) { c.Pool.RewardSupplyCap = "lots" }},
		{"factor of one", func(c *Config) { c.Pool.IssuanceFactor = "1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
