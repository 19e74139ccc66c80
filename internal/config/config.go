// Package config handles configuration loading and validation for vouchmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vouchmesh/vouchmesh/pkg/bytesize"
)

// PersistenceConfig holds tunables for the reciprocal persistence network.
type PersistenceConfig struct {
	ChunkSize        string  `yaml:"chunk_size"`           // e.g. "64KB"
	ReplicaCount     int     `yaml:"replica_count"`        // remote replicas per chunk
	PushTimeout      string  `yaml:"push_timeout"`         // per-holder push timeout, e.g. "10s"
	PushRetries      int     `yaml:"push_retries"`         // bounded retries before fallback
	MaxParallelPush  int     `yaml:"max_parallel_push"`    // fan-out bound
	SpotCheckRate    float64 `yaml:"spot_check_rate"`      // fraction of holders challenged per write
	ChallengeWindow  string  `yaml:"challenge_window"`     // freshness window for responses
	RegistryRefresh  string  `yaml:"registry_refresh"`     // registry cache refresh interval
	EpochChurningPct float64 `yaml:"epoch_churn_fraction"` // participant churn fraction that bumps the epoch
}

// RegistryConfig holds admission and sharding tunables.
type RegistryConfig struct {
	PowDifficulty   int     `yaml:"pow_difficulty"`   // leading zero bits
	MinCapacity     string  `yaml:"min_capacity"`     // e.g. "100MB"
	MinHolderAge    string  `yaml:"min_holder_age"`   // e.g. "168h"
	MinTrustScore   float64 `yaml:"min_trust_score"`  // eligibility threshold
	QueryRate       int     `yaml:"query_rate"`       // per-source queries/second
	QueryBurst      int     `yaml:"query_burst"`
	MigrationWindow string  `yaml:"migration_window"` // dual-read window, e.g. "24h"
}

// Config holds configuration for a vouchmesh node.
type Config struct {
	Name        string            `yaml:"name"`
	PrivateKey  string            `yaml:"private_key"` // path to OpenSSH ed25519 key
	DataDir     string            `yaml:"data_dir"`    // local chunk store (default: /var/lib/vouchmesh)
	Listen      string            `yaml:"listen"`      // substrate gateway address
	Substrate   string            `yaml:"substrate"`   // substrate gateway URL for outbound traffic
	Capacity    string            `yaml:"capacity"`    // storage offered to the network, e.g. "1GB"
	Peers       map[string]string `yaml:"peers"`       // participant ID -> substrate base URL
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Registry    RegistryConfig    `yaml:"registry"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load loads node configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/vouchmesh"
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if strings.HasPrefix(c.PrivateKey, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.PrivateKey = filepath.Join(homeDir, c.PrivateKey[2:])
		}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9490"
	}
	if c.Listen == "" {
		c.Listen = ":9480"
	}
	if c.Capacity == "" {
		c.Capacity = "1GB"
	}

	p := &c.Persistence
	if p.ChunkSize == "" {
		p.ChunkSize = "64KB"
	}
	if p.ReplicaCount == 0 {
		p.ReplicaCount = 2
	}
	if p.PushTimeout == "" {
		p.PushTimeout = "10s"
	}
	if p.PushRetries == 0 {
		p.PushRetries = 3
	}
	if p.MaxParallelPush == 0 {
		p.MaxParallelPush = 8
	}
	if p.SpotCheckRate == 0 {
		p.SpotCheckRate = 0.01
	}
	if p.ChallengeWindow == "" {
		p.ChallengeWindow = "1h"
	}
	if p.RegistryRefresh == "" {
		p.RegistryRefresh = "30s"
	}
	if p.EpochChurningPct == 0 {
		p.EpochChurningPct = 0.10
	}

	r := &c.Registry
	if r.PowDifficulty == 0 {
		r.PowDifficulty = 22 // ~30s on commodity hardware
	}
	if r.MinCapacity == "" {
		r.MinCapacity = "100MB"
	}
	if r.MinHolderAge == "" {
		r.MinHolderAge = "168h" // 7 days
	}
	if r.MinTrustScore == 0 {
		r.MinTrustScore = 0.3
	}
	if r.QueryRate == 0 {
		r.QueryRate = 50
	}
	if r.QueryBurst == 0 {
		r.QueryBurst = 100
	}
	if r.MigrationWindow == "" {
		r.MigrationWindow = "24h"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private_key is required")
	}
	if _, err := bytesize.Parse(c.Persistence.ChunkSize); err != nil {
		return fmt.Errorf("invalid chunk_size: %w", err)
	}
	if c.Persistence.ReplicaCount < 1 {
		return fmt.Errorf("replica_count must be at least 1")
	}
	if c.Persistence.SpotCheckRate < 0 || c.Persistence.SpotCheckRate > 1 {
		return fmt.Errorf("spot_check_rate must be between 0 and 1")
	}
	if c.Persistence.EpochChurningPct <= 0 || c.Persistence.EpochChurningPct >= 1 {
		return fmt.Errorf("epoch_churn_fraction must be between 0 and 1 exclusive")
	}
	if _, err := bytesize.Parse(c.Registry.MinCapacity); err != nil {
		return fmt.Errorf("invalid min_capacity: %w", err)
	}
	if _, err := bytesize.Parse(c.Capacity); err != nil {
		return fmt.Errorf("invalid capacity: %w", err)
	}
	for _, d := range []struct{ name, val string }{
		{"push_timeout", c.Persistence.PushTimeout},
		{"challenge_window", c.Persistence.ChallengeWindow},
		{"registry_refresh", c.Persistence.RegistryRefresh},
		{"min_holder_age", c.Registry.MinHolderAge},
		{"migration_window", c.Registry.MigrationWindow},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	return nil
}

// ChunkSizeBytes returns the configured chunk size in bytes.
func (c *Config) ChunkSizeBytes() int {
	n, err := bytesize.Parse(c.Persistence.ChunkSize)
	if err != nil {
		return 64 * 1024
	}
	return int(n)
}

// Duration parses a duration field that has already passed Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
