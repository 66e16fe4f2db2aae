package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NetworkConfig wires one settlement network.
type NetworkConfig struct {
	Network string `yaml:"network"`
	RPCURL  string `yaml:"rpc_url"`
	Asset   string `yaml:"asset"`
}

// StorageConfig wires the receipt publisher.
type StorageConfig struct {
	GatewayURL   string `yaml:"gateway_url"`
	ExplorerURL  string `yaml:"explorer_url"`
	Bucket       string `yaml:"bucket"`
	BackupDir    string `yaml:"backup_dir"`
	DataShards   int    `yaml:"data_shards"`
	ParityShards int    `yaml:"parity_shards"`
}

// ReceiptConfig tunes receipt generation.
type ReceiptConfig struct {
	Enabled      bool `yaml:"enabled"`
	StrictTotals bool `yaml:"strict_totals"`
}

// Config is the facilitator server configuration.
type Config struct {
	Listen        string          `yaml:"listen"`
	LogLevel      string          `yaml:"log_level"`
	SettleTimeout time.Duration   `yaml:"settle_timeout"`
	AuditDB       string          `yaml:"audit_db"`
	Networks      []NetworkConfig `yaml:"networks"`
	Storage       StorageConfig   `yaml:"storage"`
	Receipts      ReceiptConfig   `yaml:"receipts"`

	// PrivateKey comes from the environment, never the config file.
	PrivateKey string `yaml:"-"`
}

// LoadConfig reads the yaml config and overlays environment secrets. A .env
// file next to the process is honored when present.
func LoadConfig(path string) (*Config, error) {
	// Missing .env is fine; real deployments use actual env vars.
	_ = godotenv.Load()

	cfg := &Config{
		Listen:        ":8402",
		LogLevel:      "info",
		SettleTimeout: 30 * time.Second,
		AuditDB:       "facilitator.db",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.PrivateKey = os.Getenv("FACILITATOR_PRIVATE_KEY")

	if len(cfg.Networks) == 0 {
		return nil, fmt.Errorf("at least one network must be configured")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY is required")
	}
	return cfg, nil
}
