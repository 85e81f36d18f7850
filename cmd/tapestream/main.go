package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RoseOO/tapestream/internal/api"
	"github.com/RoseOO/tapestream/internal/auth"
	"github.com/RoseOO/tapestream/internal/changer"
	"github.com/RoseOO/tapestream/internal/config"
	"github.com/RoseOO/tapestream/internal/database"
	"github.com/RoseOO/tapestream/internal/jobs"
	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/notifications"
	"github.com/RoseOO/tapestream/internal/pipeline"
	"github.com/RoseOO/tapestream/internal/registry"
	"github.com/RoseOO/tapestream/internal/robot"
	"github.com/RoseOO/tapestream/internal/scheduler"
	"github.com/RoseOO/tapestream/internal/sysmon"
	"github.com/RoseOO/tapestream/internal/tape"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/tapestream/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	adminPassword := flag.String("admin-password", "changeme", "Initial admin password on first start")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tapestream v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting tapestream", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("Database initialized", map[string]interface{}{"path": cfg.Database.Path})

	authService := auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	if err := authService.EnsureAdmin(context.Background(), *adminPassword); err != nil {
		logger.Error("Failed to ensure admin account", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	requestedBuffer, err := sysmon.ParseSize(cfg.Buffer.RequestedSize)
	if err != nil {
		logger.Error("Invalid buffer size in config", map[string]interface{}{
			"requested_size": cfg.Buffer.RequestedSize,
			"error":          err.Error(),
		})
		os.Exit(1)
	}

	drive := tape.NewDevice(cfg.Tape.DevicePath, cfg.Tape.SCSIPath, logger)

	scratch, err := tape.NewScratchState(cfg.Tape.ScratchDir)
	if err != nil {
		logger.Error("Failed to prepare scratch directory", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	telegramService := notifications.NewTelegramService(cfg.Notifications.Telegram)
	if telegramService.IsEnabled() {
		logger.Info("Telegram notifications enabled", nil)
	}

	var library changer.Library
	if cfg.Robot.Enabled {
		library = robot.NewController(cfg.Robot.DevicePath, logger)
		logger.Info("Tape library robot enabled", map[string]interface{}{
			"device": cfg.Robot.DevicePath,
		})
	}

	prompter := changer.NewConsolePrompter(time.Duration(cfg.Changer.PromptTimeoutSec) * time.Second)
	changeProtocol := changer.New(drive, library, scratch, prompter, telegramService, changer.Options{
		InsertWait:    time.Duration(cfg.Changer.InsertWaitSec) * time.Second,
		CleaningWait:  time.Duration(cfg.Changer.CleaningWaitSec) * time.Second,
		RobotCleaning: time.Duration(cfg.Changer.RobotCleaningSec) * time.Second,
		CleaningSlot:  cfg.Robot.CleaningSlot,
		DriveIndex:    cfg.Robot.DriveIndex,
	}, logger)

	reg := registry.New(cfg.Registry.Path, cfg.Registry.BackupRetention, logger)
	monitor := sysmon.NewMonitor(sysmon.HostSampler{}, cfg.Buffer.StagingPath, logger)
	stream := pipeline.NewStream(logger, changeProtocol.ChangeTape)

	var notifier jobs.Notifier
	if telegramService.IsEnabled() {
		notifier = telegramService
	}

	jobManager := jobs.NewManager(jobs.Deps{
		Drive:    drive,
		Stream:   stream,
		Cleaner:  changeProtocol,
		Registry: reg,
		Monitor:  monitor,
		Scratch:  scratch,
		History:  db,
		Notifier: notifier,
		Logger:   logger,
	}, jobs.Settings{
		RequestedBufferSize: requestedBuffer,
		ManifestDir:         cfg.Registry.ManifestDir,
		Excludes:            cfg.Buffer.Excludes,
	})

	schedulerService := scheduler.NewService(db, logger, func(jobType models.JobType, params models.JobParams) error {
		_, err := jobManager.Create(jobType, params)
		return err
	})

	server := api.NewServer(db, authService, jobManager, reg, schedulerService, drive, changeProtocol, monitor, logger, cfg)

	if err := schedulerService.Start(); err != nil {
		logger.Error("Failed to start scheduler", map[string]interface{}{"error": err.Error()})
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n := jobManager.CleanupCompleted(24); n > 0 {
				logger.Info("Removed finished jobs", map[string]interface{}{"count": n})
			}
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long timeout for tape operations
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedulerService.Stop()
	jobManager.Shutdown()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("tapestream shutdown complete", nil)
}
