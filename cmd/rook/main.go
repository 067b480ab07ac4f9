package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/config"
	"github.com/corvid-mail/rook/db"
	"github.com/corvid-mail/rook/list"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/notify"
	"github.com/corvid-mail/rook/pending"
	"github.com/corvid-mail/rook/server/adminapi"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rook version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ROOK: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ROOK: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("rook starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("failed to create data directory", "dir", cfg.DataDir, "error", err)
	}

	svc, database, err := buildService(cfg)
	if err != nil {
		logger.Fatal("failed to initialize services", "error", err)
	}
	defer database.Close()

	errChan := make(chan error, 1)
	go adminapi.Start(ctx, svc, adminapi.ServerOptions{
		Addr:   cfg.AdminAPI.Addr,
		APIKey: cfg.AdminAPI.APIKey,
	}, errChan)

	select {
	case <-ctx.Done():
		logger.Info("rook shut down")
	case err := <-errChan:
		logger.Error("server error", "error", err)
		cancel()
		os.Exit(1)
	}
}

// buildService wires the stores, the bounce engine and the notifier
// from configuration. The notifier is optional; without a relay host
// escalations proceed silently.
func buildService(cfg config.Config) (*list.Service, *db.Database, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "rook.db")
	}
	database, err := db.Open(dbPath, cfg.Database.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	pendingPath := cfg.Pending.Path
	if pendingPath == "" {
		pendingPath = filepath.Join(cfg.DataDir, "pending.db")
	}
	requestLife, err := cfg.Pending.GetRequestLife()
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	lockTimeout, err := cfg.Pending.GetLockTimeout()
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	store, err := pending.NewStore(pendingPath, requestLife, pending.WithLockTimeout(lockTimeout))
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to open pending store: %w", err)
	}

	var notifier bounce.Notifier
	if cfg.Notify.Host != "" {
		sender, err := notify.NewSMTPSender(cfg.Notify)
		if err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to configure notify relay: %w", err)
		}
		hostname, _ := os.Hostname()
		notifier = notify.NewDispatcher(sender, cfg.Notify.From, hostname)
	} else {
		logger.Warn("no notify relay configured, bounce notices disabled")
	}

	svc := list.NewService(database, store, notifier, list.Options{
		LockDir:               cfg.DataDir,
		LockTimeout:           lockTimeout,
		StaleWindowMultiplier: cfg.Bounce.StaleWindowMultiplier,
	})
	return svc, database, nil
}
