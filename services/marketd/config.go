package marketd

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// APIKeyConfig pairs an API key identifier with its shared secret.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	Secret string `yaml:"secret"`
}

// RateLimitConfig bounds request throughput per API key.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// Config captures the runtime configuration for marketd.
type Config struct {
	NodeConfig    string          `yaml:"node_config"`
	ListenAddress string          `yaml:"listen"`
	PollInterval  Duration        `yaml:"poll_interval"`
	APIKeys       []APIKeyConfig  `yaml:"api_keys"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	AuthSkew      Duration        `yaml:"auth_skew"`
	NonceTTL      Duration        `yaml:"nonce_ttl"`
	FaucetEnabled bool            `yaml:"faucet"`
	Bidder        BidderConfig    `yaml:"bidder"`
}

// LoadConfig reads the YAML service configuration from disk.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NodeConfig) == "" {
		cfg.NodeConfig = "config.toml"
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ""
	}
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("api_keys[%d]: key and secret required", i)
		}
	}
	if c.Bidder.Enabled {
		if strings.TrimSpace(c.Bidder.Address) == "" {
			return fmt.Errorf("bidder: address required")
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(c.Bidder.Price), 10); !ok {
			return fmt.Errorf("bidder: price must be a base-10 integer")
		}
	}
	return nil
}
