package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/ensemble-meteogram/internal/api/http"
	"github.com/i474232898/ensemble-meteogram/internal/config"
	"github.com/i474232898/ensemble-meteogram/internal/dataset"
	"github.com/i474232898/ensemble-meteogram/internal/scheduler"
	"github.com/i474232898/ensemble-meteogram/internal/store"
	"github.com/i474232898/ensemble-meteogram/internal/weather"
	"github.com/i474232898/ensemble-meteogram/internal/weather/providers"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	// Shared HTTP client for grid downloads; every attempt is bounded.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	decoder := dataset.NetCDFDecoder{}

	downloader := providers.NewEnsembleDownloader(providers.EnsembleConfig{
		DataDir:    cfg.DataDir,
		BaseURL:    cfg.EnsembleBaseURL,
		Steps:      cfg.Steps(),
		StaleAfter: cfg.StaleAfter,
		Client:     httpClient,
		Backoff: providers.BackoffConfig{
			MaxRetries:      cfg.DownloadMaxRetries,
			InitialInterval: providers.DefaultBackoff.InitialInterval,
			MaxInterval:     providers.DefaultBackoff.MaxInterval,
		},
	}, decoder)
	if err := downloader.PurgeStaged(); err != nil {
		log.Printf("ERROR: failed to purge staged files: %v", err)
	}

	svcCfg := weather.ServiceConfig{
		Groups:         weather.DefaultGroups(),
		Members:        cfg.EnsembleMembers,
		RefreshTimeout: cfg.RefreshTimeout,
	}
	if cfg.RunLogPath != "" {
		runLog, err := store.NewSQLiteRunLog(cfg.RunLogPath)
		if err != nil {
			log.Fatalf("failed to open run log: %v", err)
		}
		defer runLog.Close()
		svcCfg.RunLog = runLog
	}

	// Core service orchestrating refreshes and queries.
	service := weather.NewService(store.NewMemoryStore(), downloader, dataset.NewLoader(cfg.DataDir, decoder), svcCfg)

	// Scheduler that periodically refreshes the snapshot, starting now.
	sched := scheduler.New(cfg.RefreshInterval, service)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "ensemble-meteogram",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          errorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "ensemble-meteogram",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()
	log.Printf("INFO: listening on :%s, data dir %s", cfg.Port, cfg.DataDir)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	sched.Stop()
	service.Stop()
}

// errorHandler renders every error as a JSON body.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}
