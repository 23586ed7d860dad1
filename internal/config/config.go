// Package config defines process-level configuration for the orchestrator.
// Config is loaded from an optional YAML file with every field overridable
// via HIVE_* environment variables; the env-only path is the common one when
// the instance is launched by the supervisor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level process configuration.
type Config struct {
	InstanceID      string           `mapstructure:"instance_id"`
	APIPort         int              `mapstructure:"api_port"`
	UserAddress     string           `mapstructure:"user_address"`
	AgentPrivateKey string           `mapstructure:"agent_private_key"`
	ConfigPath      string           `mapstructure:"config_path"`
	RemoteMirrorDSN string           `mapstructure:"remote_mirror_dsn"`
	ExchangeDomain  string           `mapstructure:"exchange_domain"`
	DryRun          bool             `mapstructure:"dry_run"`
	Reconciler      ReconcilerConfig `mapstructure:"reconciler"`
	Logging         LoggingConfig    `mapstructure:"logging"`
}

// ReconcilerConfig tunes the position reconciliation loop.
type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from an optional YAML file with HIVE_ env overrides.
// path may be empty, in which case everything comes from env and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_port", 8080)
	v.SetDefault("config_path", "data/strategies.json")
	v.SetDefault("exchange_domain", "mainnet")
	v.SetDefault("reconciler.interval", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// AutomaticEnv does not surface env vars for keys absent from the file,
	// so bind the sensitive ones explicitly.
	if id := os.Getenv("HIVE_INSTANCE_ID"); id != "" {
		cfg.InstanceID = id
	}
	if addr := os.Getenv("HIVE_USER_ADDRESS"); addr != "" {
		cfg.UserAddress = addr
	}
	if key := os.Getenv("HIVE_AGENT_PRIVATE_KEY"); key != "" {
		cfg.AgentPrivateKey = key
	}
	if p := os.Getenv("HIVE_CONFIG_PATH"); p != "" {
		cfg.ConfigPath = p
	}
	if dsn := os.Getenv("HIVE_REMOTE_MIRROR_DSN"); dsn != "" {
		cfg.RemoteMirrorDSN = dsn
	}
	if os.Getenv("HIVE_DRY_RUN") == "true" || os.Getenv("HIVE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required (set HIVE_CONFIG_PATH)")
	}
	switch c.ExchangeDomain {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("exchange_domain must be mainnet or testnet, got %q", c.ExchangeDomain)
	}
	if !c.DryRun {
		if c.AgentPrivateKey == "" {
			return fmt.Errorf("agent_private_key is required (set HIVE_AGENT_PRIVATE_KEY)")
		}
		if c.UserAddress == "" {
			return fmt.Errorf("user_address is required (set HIVE_USER_ADDRESS)")
		}
	}
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = 5 * time.Second
	}
	return nil
}

// Instance returns the instance key: HIVE_INSTANCE_ID override, or
// hostname-port.
func (c *Config) Instance() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "hive"
	}
	return fmt.Sprintf("%s-%d", host, c.APIPort)
}
