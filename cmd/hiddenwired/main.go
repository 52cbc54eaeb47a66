// Package main is the hiddenwire node daemon: it boots the identity,
// the anonymizing-network transport, the local ingress server, and the
// watchdog/invite-GC background loops, then runs until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opd-ai/hiddenwire/pkg/config"
	"github.com/opd-ai/hiddenwire/pkg/identity"
	"github.com/opd-ai/hiddenwire/pkg/logger"
	"github.com/opd-ai/hiddenwire/pkg/store"
	"github.com/opd-ai/hiddenwire/pkg/supervisor"
	"github.com/opd-ai/hiddenwire/pkg/transport"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON configuration override file")
	dataDir := flag.String("data-dir", "", "Data directory for identity, store, and hidden-service keys")
	pin := flag.String("pin", "", "Optional PIN protecting the device-bound seal key")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hiddenwired version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)
	log.Info("starting hiddenwired", "version", version, "build_time", buildTime, "data_directory", cfg.DataDirectory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, cfg, *pin, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, pin string, log *logger.Logger) error {
	sealKey, err := identity.DeriveDeviceKey(cfg.DataDirectory, pin, cfg.PinKDF)
	if err != nil {
		return fmt.Errorf("derive device-bound seal key: %w", err)
	}

	vault, err := identity.New(cfg.DataDirectory, sealKey)
	if err != nil {
		return fmt.Errorf("open identity vault: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDirectory, "hiddenwire.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sealed store: %w", err)
	}
	defer st.Close()

	orch := transport.New(transport.Config{
		DataDirectory:     cfg.DataDirectory,
		BootstrapTimeout:  cfg.BootstrapTimeout,
		HSPublishTimeout:  cfg.HSPublishTimeout,
		AwaitReadyTimeout: cfg.AwaitReadyTimeout,
	}, log, sealKey)

	sup := supervisor.New(supervisor.Deps{
		Cfg: supervisor.Config{
			IngressBindAddr:     cfg.IngressBindAddr,
			IngressStartTimeout: 5 * time.Second,
			StrictVerifiedOnly:  cfg.StrictVerifiedOnly,
			AllowDirectHTTP:     cfg.AllowDirectHTTP,
			DebugMode:           cfg.DebugMode,
			ReplayLRUSize:       cfg.ReplayLRUSize,
			InviteGCInterval:    cfg.InviteGCInterval,
			WatchdogMinBackoff:  cfg.WatchdogMinBackoff,
			WatchdogMaxBackoff:  cfg.WatchdogMaxBackoff,
			SnapshotPath:        filepath.Join(cfg.DataDirectory, "runtime.json"),
		},
		Identity:  vault,
		Transport: orch,
		Store:     st,
		Log:       log,
	})

	go sup.RunWatchdog(ctx)
	go sup.RunInviteGC(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info("press Ctrl+C to exit")
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}

	log.Info("initiating graceful shutdown")
	sup.Shutdown()
	return nil
}
