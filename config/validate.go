package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects configurations the daemon cannot safely run with.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.FeeTreasury) == "" {
		return fmt.Errorf("config: FeeTreasury required")
	}
	if err := cfg.Timeouts.Runtime().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Fees.Runtime().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Ticker.IntervalSecs <= 0 {
		return fmt.Errorf("config: Ticker.IntervalSecs must be positive")
	}
	return nil
}
