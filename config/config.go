// Package config holds node configuration and genesis bootstrapping.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// GenesisConfig describes the chain's initial state and reward schedule.
type GenesisConfig struct {
	Address         string `json:"address"`
	Balance         int64  `json:"balance"`
	IP              string `json:"ip"`
	Timestamp       int64  `json:"timestamp"`
	InitialReward   int64  `json:"initial_reward"`
	HalvingInterval int64  `json:"halving_interval"`
}

// Config holds all node configuration.
type Config struct {
	IP           string        `json:"ip"`
	Port         int           `json:"port"`
	Protocol     int           `json:"protocol"`
	Version      string        `json:"version"`
	DataDir      string        `json:"data_dir"`
	BlockTime    int64         `json:"block_time"`
	BufferLimit  int           `json:"buffer_limit"`
	MaxRollbacks int           `json:"max_rollbacks"`
	DefaultTrust int64         `json:"default_trust"`
	SelfTrust    int64         `json:"self_trust"`
	MinTrust     int64         `json:"min_trust"`
	MaxTrust     int64         `json:"max_trust"`
	ServerKey    string        `json:"server_key"`
	SeedIPs      []string      `json:"seed_ips,omitempty"`
	Genesis      GenesisConfig `json:"genesis"`
}

// DefaultConfig returns a single-node development configuration matching the
// public network's constants.
func DefaultConfig() *Config {
	return &Config{
		IP:           "127.0.0.1",
		Port:         9173,
		Protocol:     1,
		Version:      "1.0.0",
		DataDir:      "./data",
		BlockTime:    60,
		BufferLimit:  1000,
		MaxRollbacks: 3,
		DefaultTrust: 0,
		SelfTrust:    10_000,
		MinTrust:     -1_000_000,
		MaxTrust:     1_000_000,
		Genesis: GenesisConfig{
			Address:         "ndo18c3afa286439e7ebcb284710dbd4ae42bdaf21b80137b",
			Balance:         1_000_000_000_000_000_000,
			IP:              "78.102.98.72",
			Timestamp:       1669852800,
			InitialReward:   5_000_000_000,
			HalvingInterval: 500_000,
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.IP == "" {
		return fmt.Errorf("ip must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.BlockTime < 60 {
		return fmt.Errorf("block_time must be at least 60 seconds, got %d", c.BlockTime)
	}
	if c.BufferLimit <= 0 {
		return fmt.Errorf("buffer_limit must be positive, got %d", c.BufferLimit)
	}
	if c.MaxRollbacks < 0 {
		return fmt.Errorf("max_rollbacks must not be negative, got %d", c.MaxRollbacks)
	}
	if c.MinTrust >= c.MaxTrust {
		return fmt.Errorf("min_trust must be below max_trust")
	}
	if c.Genesis.Address == "" {
		return fmt.Errorf("genesis.address must not be empty")
	}
	if c.Genesis.Balance <= 0 {
		return fmt.Errorf("genesis.balance must be positive")
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
