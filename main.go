package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hedging-core/internal/api"
	"hedging-core/internal/events"
	"hedging-core/internal/session"
	"hedging-core/pkg/config"
	"hedging-core/pkg/db"
	"hedging-core/pkg/exchange"
	"hedging-core/pkg/exchange/bitget"
	"hedging-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.S().Fatalw("config load failed", "error", err)
	}

	logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Output:     cfg.LogOutput,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	defer logger.Sync()

	if cfg.BotSecret == "" && !cfg.AllowInsecure {
		logger.S().Fatal("BOT_SECRET is required unless ALLOW_INSECURE=true")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.S().Fatalw("database open failed", "path", cfg.DBPath, "error", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.S().Fatalw("database migration failed", "error", err)
	}

	defaults, err := session.LoadDefaults(cfg.SessionDefaultsPath)
	if err != nil {
		logger.S().Fatalw("session defaults load failed", "path", cfg.SessionDefaultsPath, "error", err)
	}

	bus := events.NewBus()
	manager := session.NewManager(session.Config{
		Defaults: defaults,
		Factory: func(creds session.Credentials) (exchange.Adapter, error) {
			return bitget.NewClient(bitget.Config{
				APIKey:     creds.APIKey,
				APISecret:  creds.APISecret,
				Passphrase: creds.Passphrase,
				Demo:       creds.Demo,
			}), nil
		},
		Bus:         bus,
		Store:       database,
		MaxSessions: cfg.MaxSessions,
	})

	server := api.NewServer(cfg, manager, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		manager.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.S().Info("shutting down")

		timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.S().Warnw("http shutdown incomplete", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.S().Warnw("session shutdown incomplete", "error", err)
		}
		return nil
	})

	logger.S().Infow("hedging core listening", "port", cfg.Port, "maxSessions", cfg.MaxSessions)
	if err := g.Wait(); err != nil {
		logger.S().Errorw("service exited with error", "error", err)
		os.Exit(1)
	}
	logger.S().Info("service stopped")
}
