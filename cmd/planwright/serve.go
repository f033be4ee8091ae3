package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/planwright/internal/api"
	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/connwatch"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/notify"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
	"github.com/nugget/planwright/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the API server and its background workers, blocking
// until ctx is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting planwright", "version", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", cfgPath, "log_level", level, "log_format", cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "planwright.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	usageStore, err := usage.NewStore(db)
	if err != nil {
		return err
	}
	logger.Info("database opened", "path", dbPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	backends, err := buildBackend(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	rt := router.NewRouter(logger, router.Config{
		Policy: router.Policy{
			MaxEntities: cfg.Router.MaxEntities,
			MaxTurns:    cfg.Router.MaxTurns,
		},
		EconomyModel: cfg.Models.Economy,
		CapableModel: cfg.Models.Capable,
		MaxAuditLog:  cfg.Router.AuditSize,
	})
	logger.Info("router initialized", "economy", cfg.Models.Economy, "capable", cfg.Models.Capable)

	inv := invoke.New(backends.backend, invoke.Config{
		Usage:       usageStore,
		Pricing:     cfg.Pricing,
		ProviderFor: cfg.ProviderFor,
		Bus:         bus,
		Logger:      logger,
	})
	orch := orchestrator.New(st, rt, inv, orchestrator.Config{
		Sites:  orchestrator.DefaultCallSites(cfg.Windows),
		Bus:    bus,
		Logger: logger,
	})

	health := connwatch.NewManager(bus, logger)
	defer health.Stop()
	for name, b := range backends.providers {
		health.Watch(ctx, name, b, connwatch.DefaultBackoff())
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, st, logger)
	server.SetRouter(rt)
	server.SetUsageStore(usageStore)
	server.SetHealth(health)
	server.SetEventBus(bus)

	var pub *notify.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := notify.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = notify.New(cfg.MQTT, notify.ClientID(cfg.MQTT.ClientID, instanceID), bus, logger)
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if pub != nil {
		g.Go(func() error {
			if err := pub.Start(gctx); err != nil {
				// A broken broker config disables publishing, not the server.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("planwright stopped", "uptime", buildinfo.Uptime().Round(time.Second))
	return err
}
