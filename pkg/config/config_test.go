package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"driveshare/pkg/types"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	key := strings.Repeat("0f", 32)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"neither role", func(c *Config) {}, ErrNoRole},
		{"both roles", func(c *Config) { c.Join = key; c.Seed = dir }, ErrBothRoles},
		{"short key", func(c *Config) { c.Join = "abc" }, types.ErrInvalidJoinKey},
		{"uppercase key", func(c *Config) { c.Join = strings.ToUpper(key) }, types.ErrInvalidJoinKey},
		{"missing seed", func(c *Config) { c.Seed = filepath.Join(dir, "nope") }, ErrSeedNotExist},
		{"seed is file", func(c *Config) { c.Seed = file }, ErrSeedNotDir},
		{"valid replica", func(c *Config) { c.Join = key }, nil},
		{"valid seed", func(c *Config) { c.Seed = dir }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateRejectsBadSizeAndPort(t *testing.T) {
	cfg := Default()
	cfg.Seed = t.TempDir()
	cfg.MaxFileSize = "lots"
	assert.Error(t, cfg.Validate())

	cfg.MaxFileSize = "10MB"
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":      "9000",
		"JOIN":      strings.Repeat("a", 64),
		"FULL":      "true",
		"BOOTSTRAP": "/ip4/1.2.3.4/tcp/4001/p2p/QmA, /ip4/5.6.7.8/tcp/4001/p2p/QmB",
		"MDNS":      "false",
		"SEED":      "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, strings.Repeat("a", 64), cfg.Join)
	assert.True(t, cfg.Full)
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/4001/p2p/QmA", "/ip4/5.6.7.8/tcp/4001/p2p/QmB"}, cfg.Network.Bootstrap)
	assert.False(t, cfg.Network.MDNS)
	assert.Empty(t, cfg.Seed, "empty env values are ignored")
	assert.Equal(t, types.ModeReplica, cfg.Mode())
}

func TestApplyEnvInvalidPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"PORT": "eighty"}))
	assert.Error(t, err)
}

func TestFlagsOverrideEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "9100", "--seed", "/srv/site"}))

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"PORT": "9000", "CORS_ORIGIN": "https://example.com"})))
	require.NoError(t, cfg.ApplyFlags(fs))

	assert.Equal(t, 9100, cfg.Port, "explicit flag wins over env")
	assert.Equal(t, "/srv/site", cfg.Seed)
	assert.Equal(t, "https://example.com", cfg.AllowedOrigin, "unset flag keeps env value")
	assert.True(t, cfg.Network.PublicBootstrap, "unset flag keeps default")
	assert.Equal(t, types.ModeSeed, cfg.Mode())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driveshare.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9001, "seed": "./site", "network": {"mdns": false}}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "./site", cfg.Seed)
	assert.False(t, cfg.Network.MDNS)
	assert.Equal(t, DefaultSeedStore, cfg.SeedStore)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMaxFileBytes(t *testing.T) {
	cfg := Default()
	n, err := cfg.MaxFileBytes()
	require.NoError(t, err)
	assert.Zero(t, n)

	cfg.MaxFileSize = "1KiB"
	n, err = cfg.MaxFileBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)
}
