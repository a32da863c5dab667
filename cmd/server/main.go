package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/jetci/EMS-sub006/internal/arbiter"
	"github.com/jetci/EMS-sub006/internal/config"
	"github.com/jetci/EMS-sub006/internal/guard"
	httpapi "github.com/jetci/EMS-sub006/internal/http"
	"github.com/jetci/EMS-sub006/internal/logging"
	"github.com/jetci/EMS-sub006/internal/notify"
	"github.com/jetci/EMS-sub006/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(cfg.PGDSN, logger)
	}

	var rides storage.RideStore
	var drivers storage.DriverRegistry
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		rides, drivers = pg, pg
	} else {
		mem := storage.NewMemoryStore()
		rides, drivers = mem, mem
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub(logger)
	sinks := []notify.Sink{hub}

	if len(cfg.KafkaBrokers) > 0 {
		kl := notify.NewKafkaEventLog(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() { _ = kl.Close() }()
		sinks = append(sinks, kl)
	}
	if cfg.RedisAddr != "" {
		bridge := notify.NewRedisBridge(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel, cfg.InstanceID, hub, logger)
		defer func() { _ = bridge.Close() }()
		sinks = append(sinks, bridge)
		go bridge.Run(ctx)
	}

	assignGuard := guard.New(guard.Config{Window: cfg.AssignWindow, MaxAttempts: cfg.AssignMaxAttempts})
	arb := arbiter.NewService(rides, drivers, notify.NewFanout(sinks...), assignGuard, logger)

	srv := httpapi.NewServer(cfg, arb, hub, rides, drivers, logger)

	go pruneGuards(ctx, assignGuard)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func pruneGuards(ctx context.Context, guards ...*guard.Guard) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, g := range guards {
				g.Prune()
			}
		}
	}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
