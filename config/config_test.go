package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Timeouts.BidWindowSecs != 3600 {
		t.Fatalf("unexpected bid window %d", cfg.Timeouts.BidWindowSecs)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// A second load reads the persisted file back.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.FeeTreasury != cfg.FeeTreasury {
		t.Fatalf("reload mismatch: %q vs %q", again.FeeTreasury, cfg.FeeTreasury)
	}
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	sparse := "FeeTreasury = \"treasury\"\n"
	if err := os.WriteFile(path, []byte(sparse), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "./market-data" {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	if cfg.Fees.PlatformBps != 250 {
		t.Fatalf("unexpected platform fee %d", cfg.Fees.PlatformBps)
	}
	if got := cfg.Ticker.Interval(); got != 5*time.Second {
		t.Fatalf("unexpected tick interval %v", got)
	}
}

func TestLoadRejectsBadFees(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	bad := "FeeTreasury = \"treasury\"\n[Fees]\nPlatformBps = 50\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected fee validation error")
	}
}

func TestValidateConfigRequiresTreasury(t *testing.T) {
	cfg := &Config{
		Timeouts: DefaultTimeouts(),
		Fees:     DefaultFees(),
		Ticker:   Ticker{IntervalSecs: 5},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected treasury validation error")
	}
}
