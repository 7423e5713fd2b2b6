// Package config centralizes runtime configuration for mkl. It reads an
// optional JSON or YAML file, applies MKL_-prefixed environment overrides and
// exposes a process-wide configuration with sensible defaults. Operators
// point CONFIG_FILE at the file; a .env file in the working directory is
// loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEscrow is the marketplace escrow address used when none is configured.
const DefaultEscrow = "0x000000000000000000000000000000000000e5c0"

// Config holds configurable options for the mkl node.
type Config struct {
	KeyFile          string        `mapstructure:"key_file" json:"key_file"`
	Store            string        `mapstructure:"store" json:"store"` // sqlite or memory
	DataFile         string        `mapstructure:"data_file" json:"data_file"`
	Port             int           `mapstructure:"port" json:"port"`
	LogLevel         string        `mapstructure:"log_level" json:"log_level"`
	StatusBufferSize int           `mapstructure:"status_buffer_size" json:"status_buffer_size"`
	Admin            string        `mapstructure:"admin" json:"admin"` // empty: the node key's address
	Escrow           string        `mapstructure:"escrow" json:"escrow"`
	ListingFee       string        `mapstructure:"listing_fee" json:"listing_fee"`
	FeePolicy        string        `mapstructure:"fee_policy" json:"fee_policy"`
	ABCIEnabled      bool          `mapstructure:"abci_enabled" json:"abci_enabled"`
	ABCIAddr         string        `mapstructure:"abci_addr" json:"abci_addr"`
	TendermintRPC    string        `mapstructure:"tendermint_rpc" json:"tendermint_rpc"`
	TendermintHome   string        `mapstructure:"tendermint_home" json:"tendermint_home"`
	MaxBackups       int           `mapstructure:"max_backups" json:"max_backups"`
	BackupInterval   time.Duration `mapstructure:"backup_interval" json:"backup_interval"`
	DocsDir          string        `mapstructure:"docs_dir" json:"docs_dir"`
	Discovery        bool          `mapstructure:"discovery" json:"discovery"`
	DiscoveryService string        `mapstructure:"discovery_service" json:"discovery_service"`
	NodeName         string        `mapstructure:"node_name" json:"node_name"` // mDNS instance; empty: hostname
	EmptyRecovery    bool          `mapstructure:"empty_recovery" json:"empty_recovery"`
	WSOrigins        []string      `mapstructure:"ws_allowed_origins" json:"ws_allowed_origins"`
}

var cfg *Config

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"key_file":           "mkl_key.hex",
		"store":              "sqlite",
		"data_file":          "ledger.db",
		"port":               8080,
		"log_level":          "info",
		"status_buffer_size": 200,
		"admin":              "",
		"escrow":             DefaultEscrow,
		"listing_fee":        "25000000000000000",
		"fee_policy":         "deferred",
		"abci_enabled":       false,
		"abci_addr":          "tcp://127.0.0.1:26658",
		"tendermint_rpc":     "http://localhost:26657",
		"tendermint_home":    "",
		"max_backups":        20,
		"backup_interval":    time.Hour,
		"docs_dir":           "docs",
		"discovery":          false,
		"discovery_service":  "_mkl._tcp",
		"node_name":          "",
		"empty_recovery":     false,
		"ws_allowed_origins": []string{},
	}
}

// LoadConfig reads the file at path (JSON or YAML by extension) over the
// defaults. A missing file is not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("MKL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = &c
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: store must be sqlite or memory, got %q", c.Store)
	}
	switch c.FeePolicy {
	case "deferred", "immediate":
	default:
		return fmt.Errorf("config: fee_policy must be deferred or immediate, got %q", c.FeePolicy)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	// Every validator must agree on genesis; a per-node key default would not.
	if c.ABCIEnabled && c.Admin == "" {
		return errors.New("config: admin must be set when abci_enabled is true")
	}
	return nil
}

// Get returns the loaded configuration. If LoadConfig hasn't been called
// yet, it returns defaults.
func Get() *Config {
	if cfg == nil {
		if _, err := LoadConfig(""); err != nil {
			// Defaults alone always validate.
			panic(err)
		}
	}
	return cfg
}
