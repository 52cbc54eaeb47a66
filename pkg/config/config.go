// Package config provides configuration management for the hiddenwire node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/autoconfig"
)

// ScryptParams controls the device-bound key derivation performed by
// identity.DeriveDeviceKey (spec §9 device-bound sealing).
type ScryptParams struct {
	N      int // CPU/memory cost, must be a power of two
	R      int // block size
	P      int // parallelization
	DkLen  int // derived key length in bytes
}

// Config represents the hiddenwire node configuration.
type Config struct {
	// Storage
	DataDirectory string // directory for the sealed store, hidden-service keys

	// Local ingress
	IngressBindAddr string // loopback HTTP bind address, default 127.0.0.1:0

	// Logging
	LogLevel  string // debug, info, warn, error
	DebugMode bool   // enables /v1/debug/* routes and the debug-plaintext inbound branch

	// Trust policy
	StrictVerifiedOnly bool // reject inbound from unverified senders (spec §4.5 step 3)
	AllowDirectHTTP    bool // debug builds only: allow non-onion outbound targets (spec §4.6 step 7)

	// Timeouts
	BootstrapTimeout  time.Duration // max time for Tor bootstrap (spec §4.9)
	HSPublishTimeout  time.Duration // max time to await HS_DESC UPLOADED (spec §4.3)
	AwaitReadyTimeout time.Duration // max time supervisor waits for Ready state

	// Invites
	InviteTTL        time.Duration // lifetime of an issued invite (spec §3)
	InviteGCInterval time.Duration // how often expired invites are swept (spec §4.8)

	// Replay protection
	ReplayLRUSize int // bounded per-sender nonce cache size (spec §3)

	// Device-bound key sealing
	PinKDF ScryptParams

	// Supervisor watchdog backoff
	WatchdogMinBackoff time.Duration
	WatchdogMaxBackoff time.Duration
}

// DefaultConfig returns a configuration with sensible defaults. It
// auto-detects the platform data directory the same way the node's
// predecessor did.
func DefaultConfig() *Config {
	dataDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		dataDir = "./hiddenwire-data"
	}

	return &Config{
		DataDirectory:      dataDir,
		IngressBindAddr:    "127.0.0.1:0",
		LogLevel:           "info",
		DebugMode:          false,
		StrictVerifiedOnly: true,
		AllowDirectHTTP:    false,
		BootstrapTimeout:   180 * time.Second,
		HSPublishTimeout:   120 * time.Second,
		AwaitReadyTimeout:  120 * time.Second,
		InviteTTL:          10 * time.Minute,
		InviteGCInterval:   60 * time.Second,
		ReplayLRUSize:      10000,
		PinKDF: ScryptParams{
			N:     1 << 15,
			R:     8,
			P:     1,
			DkLen: 32,
		},
		WatchdogMinBackoff: 2 * time.Second,
		WatchdogMaxBackoff: 30 * time.Second,
	}
}

// LoadFromFile reads a JSON override file and applies it on top of
// DefaultConfig. Any field omitted from the file keeps its default value.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDirectory == "" {
		return fmt.Errorf("DataDirectory must not be empty")
	}
	if c.IngressBindAddr == "" {
		return fmt.Errorf("IngressBindAddr must not be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.BootstrapTimeout <= 0 {
		return fmt.Errorf("BootstrapTimeout must be positive")
	}
	if c.HSPublishTimeout <= 0 {
		return fmt.Errorf("HSPublishTimeout must be positive")
	}
	if c.AwaitReadyTimeout <= 0 {
		return fmt.Errorf("AwaitReadyTimeout must be positive")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("InviteTTL must be positive")
	}
	if c.InviteGCInterval <= 0 {
		return fmt.Errorf("InviteGCInterval must be positive")
	}
	if c.ReplayLRUSize < 1 {
		return fmt.Errorf("ReplayLRUSize must be at least 1")
	}

	if c.PinKDF.N < 2 || c.PinKDF.N&(c.PinKDF.N-1) != 0 {
		return fmt.Errorf("PinKDF.N must be a power of two >= 2")
	}
	if c.PinKDF.R < 1 {
		return fmt.Errorf("PinKDF.R must be at least 1")
	}
	if c.PinKDF.P < 1 {
		return fmt.Errorf("PinKDF.P must be at least 1")
	}
	if c.PinKDF.DkLen < 16 {
		return fmt.Errorf("PinKDF.DkLen must be at least 16")
	}

	if c.WatchdogMinBackoff <= 0 {
		return fmt.Errorf("WatchdogMinBackoff must be positive")
	}
	if c.WatchdogMaxBackoff < c.WatchdogMinBackoff {
		return fmt.Errorf("WatchdogMaxBackoff must be >= WatchdogMinBackoff")
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
