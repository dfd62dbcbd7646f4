// Package config loads and validates the keeper's JSON configuration
// file (spec.md §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config is the on-disk shape of the file passed via `start --config`.
type Config struct {
	Moonbeam MoonbeamConfig `json:"moonbeam"`
	IPFS     IPFSConfig     `json:"ipfs"`
	Kilt     KiltConfig     `json:"kilt"`
	Monitor  MonitorConfig  `json:"monitor"`
}

// MoonbeamConfig configures the EVM source-chain client.
type MoonbeamConfig struct {
	URL                string `json:"url"`
	ReadContract       string `json:"read_contract"`
	WriteContract      string `json:"write_contract"`
	PrivateKey         string `json:"private_key"`
	PrivateKeyOptional string `json:"private_key_optional"`
	ChainID            int64  `json:"chain_id"`
}

// IPFSConfig configures the content-addressed object-store client.
type IPFSConfig struct {
	BaseURL string `json:"base_url"`
}

// KiltConfig configures the credential-chain client.
type KiltConfig struct {
	URL string `json:"url"`
}

// MonitorConfig configures the notifier's webhook target. BotURL is
// required only when the monitor feature is enabled (Enabled is
// derived from BotURL being non-empty, per spec.md §6: "required iff
// monitor feature enabled").
type MonitorConfig struct {
	BotURL string `json:"bot_url"`
}

// Enabled reports whether the monitor/notifier feature is active.
func (m MonitorConfig) Enabled() bool { return m.BotURL != "" }

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that every key spec.md §6 marks required is
// present, aggregating every missing key into a single error rather
// than failing on the first (teacher's Validate shape).
func (c *Config) Validate() error {
	var errs []string

	if c.Moonbeam.URL == "" {
		errs = append(errs, "moonbeam.url is required")
	}
	if c.Moonbeam.ReadContract == "" {
		errs = append(errs, "moonbeam.read_contract is required")
	}
	if c.Moonbeam.WriteContract == "" {
		errs = append(errs, "moonbeam.write_contract is required")
	}
	if c.Moonbeam.PrivateKey == "" {
		errs = append(errs, "moonbeam.private_key is required")
	}
	if c.IPFS.BaseURL == "" {
		errs = append(errs, "ipfs.base_url is required")
	} else if !strings.HasPrefix(c.IPFS.BaseURL, "https://") {
		errs = append(errs, "ipfs.base_url must use https")
	}
	if c.Kilt.URL == "" {
		errs = append(errs, "kilt.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
