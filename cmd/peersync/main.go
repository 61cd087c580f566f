package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peersync/internal/config"
	"peersync/internal/constants"
	"peersync/internal/database"
	"peersync/internal/models"
	"peersync/internal/retry"
	"peersync/internal/service"
	"peersync/internal/tracing"
	"peersync/pkg/peer"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message ids and contents)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
	noInbox    = flag.Bool("no-inbox", false, "Leave received messages unconfirmed instead of keeping them in the local inbox")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peersync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting peersync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogLevel(logger, cfg.LogLevel, *verbose)
	ctx = service.WithVerboseLogging(ctx, *verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	peerTransport := peer.New(cfg.DeviceID, cfg.Peers, peer.Options{
		ServeTimeout: cfg.Sync.SendTimeout(),
	}, logger)

	var inbox *memoryInbox
	opts := service.Options{
		Config:    *cfg,
		Transport: peerTransport,
		History:   db,
		Logger:    logger,
	}
	if !*noInbox {
		inbox = newMemoryInbox(defaultInboxCapacity)
		opts.Inbox = inbox
	}

	manager, err := service.NewSyncManager(opts)
	if err != nil {
		return fmt.Errorf("failed to create sync manager: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize sync manager: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.WithError(err).Error("Failed to close sync manager cleanly")
		}
	}()

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		applyPeerChanges(peerTransport, updated.Peers, logger)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	server := NewServer(cfg.Server, manager, peerTransport, db, inbox, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// configureLogLevel applies the configured level. Verbose mode forces debug;
// otherwise levels noisier than info are capped at info.
func configureLogLevel(logger *logrus.Logger, configured string, verboseMode bool) {
	if verboseMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message ids and contents will be logged")
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// openDatabase opens the delivery history database, retrying with exponential
// backoff while the volume comes up.
func openDatabase(ctx context.Context, path string, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultStartupBackoffInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultStartupBackoffMaxMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(ctx, path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

type peerAddressSetter interface {
	SetPeerAddress(peerID, address string)
}

// applyPeerChanges pushes reloaded peer addresses into the transport. Removed
// peers keep their last address until restart.
func applyPeerChanges(t peerAddressSetter, peers []models.PeerConfig, logger *logrus.Logger) {
	for _, p := range peers {
		t.SetPeerAddress(p.DeviceID, p.Address)
	}
	logger.WithField(service.LogFieldCount, len(peers)).Info("Applied peer addresses from reloaded configuration")
}
