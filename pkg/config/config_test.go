package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if !cfg.StrictVerifiedOnly {
		t.Error("StrictVerifiedOnly = false, want true")
	}
	if cfg.AllowDirectHTTP {
		t.Error("AllowDirectHTTP = true, want false")
	}
	if cfg.InviteTTL != 10*time.Minute {
		t.Errorf("InviteTTL = %v, want 10m", cfg.InviteTTL)
	}
	if cfg.ReplayLRUSize != 10000 {
		t.Errorf("ReplayLRUSize = %v, want 10000", cfg.ReplayLRUSize)
	}
	if cfg.PinKDF.N != 1<<15 || cfg.PinKDF.R != 8 || cfg.PinKDF.P != 1 || cfg.PinKDF.DkLen != 32 {
		t.Errorf("PinKDF = %+v, want N=32768 R=8 P=1 DkLen=32", cfg.PinKDF)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty DataDirectory",
			modify: func(c *Config) {
				c.DataDirectory = ""
			},
			wantErr: true,
		},
		{
			name: "empty IngressBindAddr",
			modify: func(c *Config) {
				c.IngressBindAddr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid LogLevel",
			modify: func(c *Config) {
				c.LogLevel = "invalid"
			},
			wantErr: true,
		},
		{
			name: "valid LogLevel debug",
			modify: func(c *Config) {
				c.LogLevel = "debug"
			},
			wantErr: false,
		},
		{
			name: "invalid BootstrapTimeout",
			modify: func(c *Config) {
				c.BootstrapTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "invalid InviteTTL",
			modify: func(c *Config) {
				c.InviteTTL = -1 * time.Second
			},
			wantErr: true,
		},
		{
			name: "invalid ReplayLRUSize",
			modify: func(c *Config) {
				c.ReplayLRUSize = 0
			},
			wantErr: true,
		},
		{
			name: "PinKDF.N not a power of two",
			modify: func(c *Config) {
				c.PinKDF.N = 1000
			},
			wantErr: true,
		},
		{
			name: "PinKDF.DkLen too short",
			modify: func(c *Config) {
				c.PinKDF.DkLen = 8
			},
			wantErr: true,
		},
		{
			name: "WatchdogMaxBackoff less than min",
			modify: func(c *Config) {
				c.WatchdogMinBackoff = 10 * time.Second
				c.WatchdogMaxBackoff = 5 * time.Second
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigClone(t *testing.T) {
	original := DefaultConfig()
	original.LogLevel = "debug"

	clone := original.Clone()

	if clone.LogLevel != original.LogLevel {
		t.Errorf("LogLevel = %v, want %v", clone.LogLevel, original.LogLevel)
	}

	clone.LogLevel = "error"
	if original.LogLevel == "error" {
		t.Error("Modifying clone affected original")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	override := map[string]interface{}{
		"LogLevel":      "debug",
		"ReplayLRUSize": 500,
	}
	data, err := json.Marshal(override)
	if err != nil {
		t.Fatalf("marshal override: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.ReplayLRUSize != 500 {
		t.Errorf("ReplayLRUSize = %v, want 500", cfg.ReplayLRUSize)
	}
	// Fields not present in the override file should keep their default.
	if cfg.InviteTTL != 10*time.Minute {
		t.Errorf("InviteTTL = %v, want default 10m", cfg.InviteTTL)
	}
}

func TestLoadFromFile_InvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	override := map[string]interface{}{
		"LogLevel": "not-a-level",
	}
	data, _ := json.Marshal(override)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for invalid LogLevel override")
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path/config.json"); err == nil {
		t.Error("Expected error for missing file")
	}
}
