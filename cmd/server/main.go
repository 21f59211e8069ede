package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lucidgrid/basis/addons/base"
	"github.com/lucidgrid/basis/addons/notes"
	"github.com/lucidgrid/basis/internal/config"
	"github.com/lucidgrid/basis/internal/cron"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/i18n"
	"github.com/lucidgrid/basis/internal/logging"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/lucidgrid/basis/internal/server"
)

// @title Basis API
// @version 1.0.0
// @description Modular business application kernel
// @host localhost:8069
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey CookieAuth
// @in cookie
// @name session_id

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-Api-Key

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	// Compiled-in addons register themselves; data-only addons come from
	// the configured paths.
	base.MustRegister()
	notes.MustRegister()

	kernel, err := registry.NewKernel(db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("kernel boot failed")
	}
	if err := kernel.Discover(cfg.AddonsPaths...); err != nil {
		logger.Fatal().Err(err).Msg("addon discovery failed")
	}
	if err := kernel.Install(cfg.ServerWide...); err != nil {
		logger.Fatal().Err(err).Msg("module installation failed")
	}

	catalog := i18n.NewCatalog()
	if err := catalog.Load(db); err != nil {
		logger.Fatal().Err(err).Msg("translation load failed")
	}

	// Background job runner
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runner := cron.NewRunner(db, logger, func() *orm.Env {
		return kernel.Env(orm.NewContext().AsSudo())
	}, cfg.CronTick)
	go runner.Start(runnerCtx)

	app := server.New(cfg, db, kernel, catalog, logger).App()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info().Msg("shutting down")
		stopRunner()
		_ = app.Shutdown()
	}()

	logger.Info().Str("port", cfg.Port).Msg("server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}
