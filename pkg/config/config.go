package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"driveshare/pkg/types"
	"driveshare/pkg/utils"
)

const (
	DefaultPort      = 8080
	DefaultSeedStore = ".drivestore"
)

// Configuration errors. All of them are fatal before any network activity.
var (
	ErrNoRole       = errors.New("you must specify either a join key or a seed path")
	ErrBothRoles    = errors.New("you cannot specify both a join key and a seed path")
	ErrSeedNotExist = errors.New("seed path does not exist")
	ErrSeedNotDir   = errors.New("seed path is not a directory")
)

type Config struct {
	Port int    `json:"port"`
	Join string `json:"join,omitempty"`
	Seed string `json:"seed,omitempty"`
	Full bool   `json:"full,omitempty"`

	ProxyURL      string `json:"proxy_url,omitempty"`
	AllowedOrigin string `json:"cors_origin,omitempty"`

	Network NetworkConfig `json:"network"`

	SeedStore    string `json:"seed_store"`
	ReplicaStore string `json:"replica_store"`
	MaxFileSize  string `json:"max_file_size,omitempty"`

	MetricsPort int    `json:"metrics_port,omitempty"`
	AdminAddr   string `json:"admin_addr,omitempty"`
	MountPoint  string `json:"mount,omitempty"`
}

type NetworkConfig struct {
	ListenAddrs     []string `json:"listen"`
	Bootstrap       []string `json:"bootstrap,omitempty"`
	PublicBootstrap bool     `json:"public_bootstrap"`
	MDNS            bool     `json:"mdns"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Port: DefaultPort,
		Network: NetworkConfig{
			ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
			PublicBootstrap: true,
			MDNS:            true,
		},
		SeedStore:    DefaultSeedStore,
		ReplicaStore: filepath.Join(os.TempDir(), "driveshare-replica"),
	}
}

// LoadConfig reads a JSON config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables read through lookup (os.LookupEnv
// in production). Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v, ok := get("JOIN"); ok {
		c.Join = v
	}
	if v, ok := get("SEED"); ok {
		c.Seed = v
	}
	if v, ok := get("FULL"); ok {
		c.Full = v == "true"
	}
	if v, ok := get("PROXY_URL"); ok {
		c.ProxyURL = v
	}
	if v, ok := get("CORS_ORIGIN"); ok {
		c.AllowedOrigin = v
	}
	if v, ok := get("BOOTSTRAP"); ok {
		c.Network.Bootstrap = splitList(v)
	}
	if v, ok := get("LISTEN"); ok {
		c.Network.ListenAddrs = splitList(v)
	}
	if v, ok := get("PUBLIC_BOOTSTRAP"); ok {
		c.Network.PublicBootstrap = v == "true"
	}
	if v, ok := get("MDNS"); ok {
		c.Network.MDNS = v == "true"
	}
	if v, ok := get("SEED_STORE"); ok {
		c.SeedStore = v
	}
	if v, ok := get("REPLICA_STORE"); ok {
		c.ReplicaStore = v
	}
	if v, ok := get("MAX_FILE_SIZE"); ok {
		c.MaxFileSize = v
	}
	if v, ok := get("METRICS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_PORT %q: %w", v, err)
		}
		c.MetricsPort = port
	}
	if v, ok := get("ADMIN_ADDR"); ok {
		c.AdminAddr = v
	}
	if v, ok := get("MOUNT"); ok {
		c.MountPoint = v
	}

	return nil
}

// Mode returns the node role implied by the configuration. Only meaningful
// after Validate succeeded.
func (c *Config) Mode() types.Mode {
	if c.Seed != "" {
		return types.ModeSeed
	}
	return types.ModeReplica
}

// JoinKey parses the configured join key.
func (c *Config) JoinKey() (types.JoinKey, error) {
	return types.ParseJoinKey(c.Join)
}

// MaxFileBytes returns the mirror size limit in bytes, 0 meaning unlimited.
func (c *Config) MaxFileBytes() (int64, error) {
	if c.MaxFileSize == "" {
		return 0, nil
	}
	return utils.ParseDataSize(c.MaxFileSize)
}

// Validate checks the role selection, join key and seed path.
func (c *Config) Validate() error {
	if c.Join == "" && c.Seed == "" {
		return ErrNoRole
	}
	if c.Join != "" && c.Seed != "" {
		return ErrBothRoles
	}
	if c.Join != "" && !types.ValidJoinKey(c.Join) {
		return types.ErrInvalidJoinKey
	}
	if c.Seed != "" {
		info, err := os.Stat(c.Seed)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %q", ErrSeedNotExist, c.Seed)
			}
			return fmt.Errorf("failed to stat seed path: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %q", ErrSeedNotDir, c.Seed)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := c.MaxFileBytes(); err != nil {
		return fmt.Errorf("invalid max file size: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
