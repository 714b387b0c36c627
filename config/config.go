package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the node-level configuration for the marketplace daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	Environment   string `toml:"Environment"`
	FeeTreasury   string `toml:"FeeTreasury"`
	LogFile       string `toml:"LogFile,omitempty"`

	Timeouts Timeouts `toml:"Timeouts"`
	Fees     Fees     `toml:"Fees"`
	Ticker   Ticker   `toml:"Ticker"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults so a fresh node starts without manual setup.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "market-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	defaults := DefaultTimeouts()
	if cfg.Timeouts.BidWindowSecs == 0 {
		cfg.Timeouts.BidWindowSecs = defaults.BidWindowSecs
	}
	if cfg.Timeouts.BidGraceSecs == 0 {
		cfg.Timeouts.BidGraceSecs = defaults.BidGraceSecs
	}
	if cfg.Timeouts.WorkSecs == 0 {
		cfg.Timeouts.WorkSecs = defaults.WorkSecs
	}
	if cfg.Timeouts.ReviewSecs == 0 {
		cfg.Timeouts.ReviewSecs = defaults.ReviewSecs
	}
	if cfg.Timeouts.AuctionFloorSecs == 0 {
		cfg.Timeouts.AuctionFloorSecs = defaults.AuctionFloorSecs
	}
	feeDefaults := DefaultFees()
	if cfg.Fees.PlatformBps == 0 {
		cfg.Fees.PlatformBps = feeDefaults.PlatformBps
	}
	if cfg.Fees.DisputeBps == 0 {
		cfg.Fees.DisputeBps = feeDefaults.DisputeBps
	}
	if cfg.Ticker.IntervalSecs == 0 {
		cfg.Ticker.IntervalSecs = 5
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./market-data",
		NetworkName:   "market-local",
		Environment:   "dev",
		FeeTreasury:   "treasury",
		Timeouts:      DefaultTimeouts(),
		Fees:          DefaultFees(),
		Ticker:        Ticker{IntervalSecs: 5},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
