package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/actions"
	"nendo-server/internal/app"
	"nendo-server/internal/apps"
	"nendo-server/internal/assets"
	"nendo-server/internal/auth"
	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/emailer"
	"nendo-server/internal/logging"
	"nendo-server/internal/postgres"
	"nendo-server/internal/queue"
	"nendo-server/internal/runner"
	"nendo-server/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Init(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	logging.SetLogLevel(cfg.Logger.Level)

	ctx := context.Background()

	lib, err := postgres.NewLibrary(cfg.Postgres)
	if err != nil {
		logging.Error("Invalid postgres configuration", "error", err)
		os.Exit(1)
	}
	if err := lib.EnsureSchema(ctx); err != nil {
		logging.Error("Schema setup failed", "error", err)
		os.Exit(1)
	}

	rdb := queue.NewClient(cfg.Redis)
	broker := queue.NewBroker(rdb, cfg.Workers.ResultTTL.Std())

	run, err := runner.New(cfg)
	if err != nil {
		logging.Error("Docker daemon unavailable", "error", err)
		os.Exit(1)
	}

	manager := worker.NewManager(broker, run, cfg.Workers)
	userIDs, err := lib.ActiveUserIDs(ctx)
	if err != nil {
		logging.Error("Loading active users failed", "error", err)
		os.Exit(1)
	}
	manager.Start(ctx, userIDs)

	assetsSvc := assets.NewService(cfg.Library, lib)
	actionsSvc := actions.NewService(cfg, broker, lib, run)
	mailer := emailer.NewMailgun(cfg.Email)
	authSvc := auth.NewService(cfg.Auth, lib, mailer, func(user *domain.User) {
		if err := assetsSvc.InitUserStorage(user.ID); err != nil {
			logging.Error("User storage init failed", "user_id", user.ID, "error", err)
		}
		manager.SpawnWorkers(user.ID.String())
	})

	fiberApp := app.SetupApp(app.Deps{
		Cfg:     cfg,
		Redis:   rdb,
		Lib:     lib,
		Auth:    authSvc,
		Actions: actionsSvc,
		Assets:  assetsSvc,
		Apps:    apps.Registry(),
	})

	idleConnsClosed := make(chan struct{})
	startServer(fiberApp, cfg, idleConnsClosed)
	<-idleConnsClosed

	manager.Shutdown()
	if err := lib.DB.Close(); err != nil {
		logging.Error("Closing postgres failed", "error", err)
	}
	if err := rdb.Close(); err != nil {
		logging.Error("Closing redis failed", "error", err)
	}
	logging.Info("Server stopped cleanly")
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(fiberApp *fiber.App, cfg config.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := fiberApp.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()
	logging.Info("Server listening", "addr", cfg.Server.Host+cfg.Server.Port)

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logging.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := fiberApp.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
}
