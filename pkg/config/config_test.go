package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.K)
	assert.Equal(t, 160, cfg.NBits)
	assert.Equal(t, 14, cfg.Difficulty)
	assert.Equal(t, 120*time.Second, cfg.ReplayWindow)
	assert.Equal(t, 5, cfg.MaxNodesPerIP)
	assert.Equal(t, -5, cfg.ReputationThreshold)
	assert.Equal(t, 3, cfg.TimeoutMaxAttempts)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kadnode.yaml")
	content := `
k: 8
difficulty: 4
timeout_timer: 500ms
storage: pogreb
data_dir: /tmp/kadnode
tls:
  ca_file: ca.pem
  cert_file: node.pem
  key_file: node.key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.K)
	assert.Equal(t, 4, cfg.Difficulty)
	assert.Equal(t, 500*time.Millisecond, cfg.TimeoutTimer)
	assert.Equal(t, StoragePogreb, cfg.StorageBackend)
	assert.True(t, cfg.TLS.Enabled())
	assert.Equal(t, 160, cfg.NBits, "unset keys keep defaults")
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("k: [1, 2"), 0600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := Default()
	cfg.Alpha = 5
	cfg.StoreTTL = 0
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KADNODE_K", "12")
	t.Setenv("KADNODE_TIMEOUT", "2s")
	t.Setenv("KADNODE_LOG_LEVEL", "debug")
	t.Setenv("KADNODE_ADVERTISE_ADDRESS", "203.0.113.7:4000")

	cfg, err := Default().ApplyEnvOverrides()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.K)
	assert.Equal(t, 2*time.Second, cfg.TimeoutTimer)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "203.0.113.7:4000", cfg.AdvertiseAddress)

	t.Setenv("KADNODE_DIFFICULTY", "lots")
	_, err = Default().ApplyEnvOverrides()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero k", mutate: func(c *Config) { c.K = 0 }},
		{name: "too many bits", mutate: func(c *Config) { c.NBits = 161 }},
		{name: "positive threshold", mutate: func(c *Config) { c.ReputationThreshold = 1 }},
		{name: "inverted refresh range", mutate: func(c *Config) { c.RefreshTimerUpper = time.Second }},
		{name: "unknown storage", mutate: func(c *Config) { c.StorageBackend = "tape" }},
		{name: "pogreb without dir", mutate: func(c *Config) { c.StorageBackend = StoragePogreb }},
		{name: "partial tls", mutate: func(c *Config) { c.TLS.CAFile = "ca.pem" }},
		{name: "negative ttl", mutate: func(c *Config) { c.StoreTTL = -time.Second }},
		{name: "advertise without port", mutate: func(c *Config) { c.AdvertiseAddress = "203.0.113.7" }},
		{name: "advertise port zero", mutate: func(c *Config) { c.AdvertiseAddress = "203.0.113.7:0" }},
		{name: "advertise with tor", mutate: func(c *Config) { c.Tor = true; c.AdvertiseAddress = "203.0.113.7:4000" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
