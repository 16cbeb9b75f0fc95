// Package config handles loading and validating the server, durable log
// and pool configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/xalog"
	"github.com/joao-brasil/txpool/pkg/datasource"
)

// ServerConfig holds the process-wide settings.
type ServerConfig struct {
	// ID prefixes every transaction id; recovery only resolves branches
	// carrying it, so it must be stable across restarts and unique per
	// coordinator sharing a database.
	ID                        string        `yaml:"id"`
	ListenAddr                string        `yaml:"listen-addr"`
	ListenPort                int           `yaml:"listen-port"`
	DefaultTransactionTimeout time.Duration `yaml:"default-transaction-timeout"`
	ShutdownTimeout           time.Duration `yaml:"shutdown-timeout"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// PoolConfig is one named pool: where it connects and its limits. Limit
// keys sit next to name and data-source; omitted ones keep the pool
// defaults.
type PoolConfig struct {
	Name       string                `yaml:"name"`
	DataSource datasource.DataSource `yaml:"data-source"`
	Pool       pool.Config           `yaml:",inline"`
}

// UnmarshalYAML decodes over pool.DefaultConfig so unset keys keep their
// defaults, including the ones that default to true.
func (p *PoolConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain PoolConfig
	raw := plain{Pool: pool.DefaultConfig()}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*p = PoolConfig(raw)
	return nil
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	XALog   xalog.Config  `yaml:"xalog"`
	Pools   []PoolConfig  `yaml:"pools"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses, validates and completes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pools[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.DataSource.Validate(); err != nil {
			return fmt.Errorf("pools[%d].data-source: %w", i, err)
		}
		if err := p.Pool.Validate(); err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
	}

	switch c.XALog.Backend {
	case "", xalog.BackendPebble, xalog.BackendMemory:
	case xalog.BackendRedis:
		if c.XALog.Redis.Addr == "" {
			return fmt.Errorf("xalog.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("xalog.backend: unknown backend %q", c.XALog.Backend)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if strings.Contains(c.Server.ID, ".") {
		return fmt.Errorf("server.id must not contain '.', got %q", c.Server.ID)
	}
	if c.Server.DefaultTransactionTimeout < 0 {
		return fmt.Errorf("server.default-transaction-timeout must be >= 0")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.ID == "" {
		hostname, _ := os.Hostname()
		c.Server.ID = strings.ReplaceAll(hostname, ".", "-")
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.XALog.Backend == "" {
		c.XALog.Backend = xalog.BackendPebble
	}
	if c.XALog.Backend == xalog.BackendPebble && c.XALog.Path == "" {
		c.XALog.Path = "data/xalog"
	}
	if c.XALog.Redis.PoolSize == 0 {
		c.XALog.Redis.PoolSize = 10
	}
	if c.XALog.Redis.DialTimeout == 0 {
		c.XALog.Redis.DialTimeout = 5 * time.Second
	}
	if c.XALog.Redis.ReadTimeout == 0 {
		c.XALog.Redis.ReadTimeout = 3 * time.Second
	}
	if c.XALog.Redis.WriteTimeout == 0 {
		c.XALog.Redis.WriteTimeout = 3 * time.Second
	}

	for i := range c.Pools {
		if c.Pools[i].DataSource.ApplicationName == "" {
			c.Pools[i].DataSource.ApplicationName = "txpool/" + c.Server.ID
		}
	}
}

// PoolByName returns the configuration of the named pool.
func (c *Config) PoolByName(name string) (*PoolConfig, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}
