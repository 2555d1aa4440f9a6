package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/app"
	"colloquy/api/internal/config"
	"colloquy/api/internal/featureflags"
	"colloquy/api/internal/obs"
	"colloquy/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "colloquy",
	})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", "err", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", "err", err)
	}

	obs.Init()

	dataStore := store.NewPostgresStore(db)

	var flags featureflags.Source = featureflags.NewStatic(cfg.GranularPermissionsDefault)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisFlags, err := featureflags.NewRedisSource(cfg.RedisURL, flags)
		if err != nil {
			logger.Fatal("redis connection failed", "err", err)
		}
		defer redisFlags.Close()
		flags = redisFlags
		logger.Info("feature flags served from redis")
	} else {
		logger.Info("feature flags served from static config",
			"granular_permissions_default", cfg.GranularPermissionsDefault)
	}

	service := app.New(cfg, dataStore, flags, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.ServiceToken, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Colloquy API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
