// Package config holds the daemon configuration: the YAML file, the fixed
// contract registry and the layered settings provider.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/custodian/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the daemon.
type Config struct {
	// API settings
	API APIConfig `yaml:"api"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Admin server the wallets are registered with.
	Admin AdminConfig `yaml:"admin"`

	// Tron full-node credentials.
	Tron TronConfig `yaml:"tron"`

	// Networks the daemon can operate on.
	Networks []chain.Network `yaml:"networks"`

	// Contracts overrides the fixed multicall/airdrop addresses per chain ID,
	// e.g. for testnets.
	Contracts map[uint64]ContractOverride `yaml:"contracts,omitempty"`
}

// APIConfig holds JSON-RPC server settings.
type APIConfig struct {
	// ListenAddr is the address the JSON-RPC/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is text, json or logfmt.
	Format string `yaml:"format,omitempty"`
}

// AdminConfig holds the admin server endpoint.
type AdminConfig struct {
	ServerURL string `yaml:"server_url"`
	APIToken  string `yaml:"api_token"`
}

// TronConfig holds TRON specific settings.
type TronConfig struct {
	APIKey string `yaml:"api_key"`
}

// ContractOverride replaces the fixed contract addresses on one chain.
// Addresses are in the chain's native encoding; empty keeps the default.
type ContractOverride struct {
	Multicall string `yaml:"multicall,omitempty"`
	Airdrop   string `yaml:"airdrop,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			ListenAddr: "127.0.0.1:8645",
		},
		Storage: StorageConfig{
			DataDir: "~/.custodian",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Networks: chain.DefaultNetworks(),
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// A file without a networks section keeps the defaults; one with a
	// networks section replaces them entirely.
	cfg.Networks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Networks == nil {
		cfg.Networks = chain.DefaultNetworks()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every network for a known chain type, a unique chain ID,
// an http(s) endpoint and parsable token addresses.
func (c *Config) Validate() error {
	seen := make(map[uint64]bool, len(c.Networks))
	for _, n := range c.Networks {
		if seen[n.ChainID] {
			return fmt.Errorf("duplicate network chain_id %d", n.ChainID)
		}
		seen[n.ChainID] = true

		kind, err := n.Kind()
		if err != nil {
			return fmt.Errorf("network %d: %w", n.ChainID, err)
		}
		if err := n.CheckRPCURL(); err != nil {
			return fmt.Errorf("network %d: %w", n.ChainID, err)
		}
		for _, t := range n.Tokens {
			if _, err := chain.ParseAddress(kind, t.Address); err != nil {
				return fmt.Errorf("network %d token %s: %w", n.ChainID, t.Symbol, err)
			}
		}
	}
	return nil
}

// Network returns a copy of the configured network with the given chain ID.
func (c *Config) Network(chainID uint64) (chain.Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return chain.Network{}, false
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Custodian Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
