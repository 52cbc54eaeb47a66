package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeOverrideFile(t *testing.T, path string, override map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(override)
	if err != nil {
		t.Fatalf("marshal override: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestNewReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	rc := NewReloadableConfig(cfg, "", nil)

	if rc == nil {
		t.Fatal("NewReloadableConfig returned nil")
	}
	if rc.config != cfg {
		t.Error("Config not properly stored")
	}
	if rc.logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestReloadableConfig_Get(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	rc := NewReloadableConfig(cfg, "", nil)

	retrieved := rc.Get()
	if retrieved == nil {
		t.Fatal("Get() returned nil")
	}
	if retrieved.LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug', got '%s'", retrieved.LogLevel)
	}

	retrieved.LogLevel = "error"
	if rc.config.LogLevel == "error" {
		t.Error("Get() should return a copy, not the original")
	}
}

func TestReloadableConfig_OnReload(t *testing.T) {
	cfg := DefaultConfig()
	rc := NewReloadableConfig(cfg, "", nil)

	callback := func(old, new *Config) error { return nil }

	rc.OnReload(callback)
	if len(rc.reloadCallbacks) != 1 {
		t.Errorf("Expected 1 callback, got %d", len(rc.reloadCallbacks))
	}
}

func TestReloadableConfig_MergeReloadableFields(t *testing.T) {
	oldConfig := DefaultConfig()
	oldConfig.LogLevel = "info"
	oldConfig.InviteTTL = 10 * time.Minute
	oldConfig.DataDirectory = "/var/lib/hiddenwire" // non-reloadable field

	newConfig := DefaultConfig()
	newConfig.LogLevel = "debug"
	newConfig.InviteTTL = 15 * time.Minute
	newConfig.DataDirectory = "/tmp/should-not-apply"

	rc := NewReloadableConfig(oldConfig, "", nil)
	merged := rc.mergeReloadableFields(oldConfig, newConfig)

	if merged.LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug', got '%s'", merged.LogLevel)
	}
	if merged.InviteTTL != 15*time.Minute {
		t.Errorf("Expected InviteTTL 15m, got %v", merged.InviteTTL)
	}
	if merged.DataDirectory != "/var/lib/hiddenwire" {
		t.Errorf("Expected DataDirectory preserved, got %s", merged.DataDirectory)
	}
}

func TestReloadableConfig_ApplyConfig(t *testing.T) {
	oldConfig := DefaultConfig()
	oldConfig.LogLevel = "info"

	rc := NewReloadableConfig(oldConfig, "", nil)

	callbackExecuted := false
	var oldConfigInCallback, newConfigInCallback *Config
	rc.OnReload(func(old, new *Config) error {
		callbackExecuted = true
		oldConfigInCallback = old
		newConfigInCallback = new
		return nil
	})

	newConfig := DefaultConfig()
	newConfig.LogLevel = "debug"

	if err := rc.applyConfig(newConfig); err != nil {
		t.Fatalf("applyConfig failed: %v", err)
	}

	if !callbackExecuted {
		t.Error("Reload callback was not executed")
	}
	if oldConfigInCallback.LogLevel != "info" {
		t.Error("Callback received wrong old config")
	}
	if newConfigInCallback.LogLevel != "debug" {
		t.Error("Callback received wrong new config")
	}
	if rc.config.LogLevel != "debug" {
		t.Errorf("Config not updated, expected 'debug', got '%s'", rc.config.LogLevel)
	}
}

func TestReloadableConfig_ApplyConfig_CallbackError(t *testing.T) {
	oldConfig := DefaultConfig()
	oldConfig.LogLevel = "info"

	rc := NewReloadableConfig(oldConfig, "", nil)
	rc.OnReload(func(old, new *Config) error {
		return fmt.Errorf("validation failed")
	})

	newConfig := DefaultConfig()
	newConfig.LogLevel = "debug"

	if err := rc.applyConfig(newConfig); err == nil {
		t.Fatal("Expected error from callback, got nil")
	}
	if rc.config.LogLevel != "info" {
		t.Errorf("Config should not have been updated, expected 'info', got '%s'", rc.config.LogLevel)
	}
}

func TestReloadableConfig_ReloadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hiddenwire.json")

	writeOverrideFile(t, configPath, map[string]interface{}{
		"LogLevel":  "info",
		"InviteTTL": int64(60 * time.Second),
	})

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	rc := NewReloadableConfig(cfg, configPath, nil)

	if rc.Get().LogLevel != "info" {
		t.Errorf("Initial LogLevel should be 'info', got '%s'", rc.Get().LogLevel)
	}

	time.Sleep(10 * time.Millisecond)
	writeOverrideFile(t, configPath, map[string]interface{}{
		"LogLevel":  "debug",
		"InviteTTL": int64(90 * time.Second),
	})

	if err := rc.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if rc.Get().LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug' after reload, got '%s'", rc.Get().LogLevel)
	}
	if rc.Get().InviteTTL != 90*time.Second {
		t.Errorf("Expected InviteTTL 90s after reload, got %v", rc.Get().InviteTTL)
	}
}

func TestReloadableConfig_CheckAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hiddenwire.json")

	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "info"})

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	rc := NewReloadableConfig(cfg, configPath, nil)

	if err := rc.checkAndReload(); err != nil {
		t.Errorf("checkAndReload should return nil when file unchanged: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "debug"})

	if err := rc.checkAndReload(); err != nil {
		t.Fatalf("checkAndReload failed: %v", err)
	}
	if rc.Get().LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug', got '%s'", rc.Get().LogLevel)
	}
}

func TestReloadableConfig_StartWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hiddenwire.json")

	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "info"})

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	rc := NewReloadableConfig(cfg, configPath, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rc.StartWatcher(ctx, 50*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "debug"})

	timeout := time.After(200 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	reloaded := false
	for !reloaded {
		select {
		case <-timeout:
			t.Fatal("Watcher did not detect config change within timeout")
		case <-ticker.C:
			if rc.Get().LogLevel == "debug" {
				reloaded = true
			}
		}
	}

	rc.Stop()
}

func TestReloadableConfig_StartWatcher_NoConfigPath(t *testing.T) {
	cfg := DefaultConfig()
	rc := NewReloadableConfig(cfg, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rc.StartWatcher(ctx, 50*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Watcher should return immediately when no config path specified")
	}
}

func TestReloadableConfig_InvalidConfigReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hiddenwire.json")

	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "info"})

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	rc := NewReloadableConfig(cfg, configPath, nil)

	time.Sleep(10 * time.Millisecond)
	writeOverrideFile(t, configPath, map[string]interface{}{"LogLevel": "invalid_level"})

	if err := rc.Reload(); err == nil {
		t.Fatal("Expected error when reloading invalid config, got nil")
	}
	if rc.Get().LogLevel != "info" {
		t.Errorf("Original config should be preserved, expected 'info', got '%s'", rc.Get().LogLevel)
	}
}

func TestReloadableFields(t *testing.T) {
	expectedReloadable := []string{
		"LogLevel",
		"DebugMode",
		"StrictVerifiedOnly",
		"InviteTTL",
		"InviteGCInterval",
		"WatchdogMinBackoff",
		"WatchdogMaxBackoff",
	}

	for _, field := range expectedReloadable {
		if !ReloadableFields[field] {
			t.Errorf("Field '%s' should be reloadable but is not in ReloadableFields map", field)
		}
	}

	nonReloadable := []string{
		"DataDirectory",
		"IngressBindAddr",
		"ReplayLRUSize",
	}

	for _, field := range nonReloadable {
		if ReloadableFields[field] {
			t.Errorf("Field '%s' should NOT be reloadable but is in ReloadableFields map", field)
		}
	}
}
