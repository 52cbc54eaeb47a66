// Package config provides configuration management for the hiddenwire node.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadableConfig wraps a Config with hot reload capabilities. Only a
// narrow set of fields are safe to change without a supervisor restart;
// everything else keeps its value from the config the process booted with.
type ReloadableConfig struct {
	mu              sync.RWMutex
	config          *Config
	configPath      string
	lastModTime     time.Time
	reloadCallbacks []ReloadCallback
	logger          *slog.Logger
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// ReloadCallback is called when configuration is successfully reloaded.
// It receives the old and new configuration for comparison.
type ReloadCallback func(oldConfig, newConfig *Config) error

// ReloadableFields lists which configuration fields support hot reload.
// Fields not in this list require a supervisor restart to take effect.
var ReloadableFields = map[string]bool{
	"LogLevel":           true,
	"DebugMode":          true,
	"StrictVerifiedOnly": true,
	"InviteTTL":          true,
	"InviteGCInterval":   true,
	"WatchdogMinBackoff": true,
	"WatchdogMaxBackoff": true,
}

// NewReloadableConfig creates a new reloadable configuration.
func NewReloadableConfig(config *Config, configPath string, logger *slog.Logger) *ReloadableConfig {
	if logger == nil {
		logger = slog.Default()
	}

	var modTime time.Time
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			modTime = info.ModTime()
		}
	}

	return &ReloadableConfig{
		config:          config,
		configPath:      configPath,
		lastModTime:     modTime,
		reloadCallbacks: make([]ReloadCallback, 0),
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Get returns a copy of the current configuration (thread-safe).
func (rc *ReloadableConfig) Get() *Config {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	cfg := *rc.config
	return &cfg
}

// OnReload registers a callback to be called when configuration is reloaded.
func (rc *ReloadableConfig) OnReload(callback ReloadCallback) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reloadCallbacks = append(rc.reloadCallbacks, callback)
}

// StartWatcher watches the configuration file for changes, reloading on a
// fixed interval poll. Blocks until ctx is cancelled or Stop is called.
func (rc *ReloadableConfig) StartWatcher(ctx context.Context, interval time.Duration) {
	if rc.configPath == "" {
		rc.logger.Warn("configuration hot reload disabled: no config file specified")
		close(rc.doneCh)
		return
	}

	rc.logger.Info("starting configuration file watcher",
		"path", rc.configPath,
		"interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(rc.doneCh)

	for {
		select {
		case <-ctx.Done():
			rc.logger.Info("configuration watcher stopped: context cancelled")
			return
		case <-rc.stopCh:
			rc.logger.Info("configuration watcher stopped")
			return
		case <-ticker.C:
			if err := rc.checkAndReload(); err != nil {
				rc.logger.Error("failed to reload configuration",
					"error", err,
					"path", rc.configPath)
			}
		}
	}
}

// Stop stops the configuration watcher.
func (rc *ReloadableConfig) Stop() {
	close(rc.stopCh)
	<-rc.doneCh
}

// checkAndReload checks if the config file has changed and reloads if necessary.
func (rc *ReloadableConfig) checkAndReload() error {
	info, err := os.Stat(rc.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			rc.logger.Warn("configuration file disappeared", "path", rc.configPath)
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}

	modTime := info.ModTime()
	if !modTime.After(rc.lastModTime) {
		return nil
	}

	rc.logger.Info("configuration file changed, reloading",
		"path", rc.configPath,
		"old_mod_time", rc.lastModTime,
		"new_mod_time", modTime)

	newConfig, err := LoadFromFile(rc.configPath)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if err := rc.applyConfig(newConfig); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	rc.lastModTime = modTime
	rc.logger.Info("configuration reloaded successfully", "path", rc.configPath)
	return nil
}

// Reload explicitly reloads configuration from the file.
func (rc *ReloadableConfig) Reload() error {
	if rc.configPath == "" {
		return fmt.Errorf("no configuration file specified")
	}

	rc.logger.Info("manually reloading configuration", "path", rc.configPath)

	newConfig, err := LoadFromFile(rc.configPath)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}

	if err := rc.applyConfig(newConfig); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	if info, err := os.Stat(rc.configPath); err == nil {
		rc.lastModTime = info.ModTime()
	}

	rc.logger.Info("configuration reloaded successfully", "path", rc.configPath)
	return nil
}

// applyConfig applies the new configuration, merging reloadable fields.
func (rc *ReloadableConfig) applyConfig(newConfig *Config) error {
	rc.mu.Lock()
	oldConfig := rc.config
	mergedConfig := rc.mergeReloadableFields(oldConfig, newConfig)
	rc.mu.Unlock()

	for _, callback := range rc.reloadCallbacks {
		if err := callback(oldConfig, mergedConfig); err != nil {
			rc.logger.Error("reload callback failed, rolling back", "error", err)
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	rc.mu.Lock()
	rc.config = mergedConfig
	rc.mu.Unlock()

	rc.logReloadedFields(oldConfig, mergedConfig)
	return nil
}

// mergeReloadableFields creates a new config with only reloadable fields updated.
func (rc *ReloadableConfig) mergeReloadableFields(oldConfig, newConfig *Config) *Config {
	merged := *oldConfig

	if ReloadableFields["LogLevel"] {
		merged.LogLevel = newConfig.LogLevel
	}
	if ReloadableFields["DebugMode"] {
		merged.DebugMode = newConfig.DebugMode
	}
	if ReloadableFields["StrictVerifiedOnly"] {
		merged.StrictVerifiedOnly = newConfig.StrictVerifiedOnly
	}
	if ReloadableFields["InviteTTL"] {
		merged.InviteTTL = newConfig.InviteTTL
	}
	if ReloadableFields["InviteGCInterval"] {
		merged.InviteGCInterval = newConfig.InviteGCInterval
	}
	if ReloadableFields["WatchdogMinBackoff"] {
		merged.WatchdogMinBackoff = newConfig.WatchdogMinBackoff
	}
	if ReloadableFields["WatchdogMaxBackoff"] {
		merged.WatchdogMaxBackoff = newConfig.WatchdogMaxBackoff
	}

	return &merged
}

// logReloadedFields logs which fields were changed.
func (rc *ReloadableConfig) logReloadedFields(oldConfig, newConfig *Config) {
	changes := make([]string, 0)

	if oldConfig.LogLevel != newConfig.LogLevel {
		changes = append(changes, fmt.Sprintf("LogLevel: %s -> %s", oldConfig.LogLevel, newConfig.LogLevel))
	}
	if oldConfig.DebugMode != newConfig.DebugMode {
		changes = append(changes, fmt.Sprintf("DebugMode: %v -> %v", oldConfig.DebugMode, newConfig.DebugMode))
	}
	if oldConfig.StrictVerifiedOnly != newConfig.StrictVerifiedOnly {
		changes = append(changes, fmt.Sprintf("StrictVerifiedOnly: %v -> %v", oldConfig.StrictVerifiedOnly, newConfig.StrictVerifiedOnly))
	}
	if oldConfig.InviteTTL != newConfig.InviteTTL {
		changes = append(changes, fmt.Sprintf("InviteTTL: %v -> %v", oldConfig.InviteTTL, newConfig.InviteTTL))
	}
	if oldConfig.InviteGCInterval != newConfig.InviteGCInterval {
		changes = append(changes, fmt.Sprintf("InviteGCInterval: %v -> %v", oldConfig.InviteGCInterval, newConfig.InviteGCInterval))
	}
	if oldConfig.WatchdogMinBackoff != newConfig.WatchdogMinBackoff {
		changes = append(changes, fmt.Sprintf("WatchdogMinBackoff: %v -> %v", oldConfig.WatchdogMinBackoff, newConfig.WatchdogMinBackoff))
	}
	if oldConfig.WatchdogMaxBackoff != newConfig.WatchdogMaxBackoff {
		changes = append(changes, fmt.Sprintf("WatchdogMaxBackoff: %v -> %v", oldConfig.WatchdogMaxBackoff, newConfig.WatchdogMaxBackoff))
	}

	if len(changes) > 0 {
		rc.logger.Info("configuration fields updated",
			"changes", changes,
			"count", len(changes))
	}
}
