// Package main is the entry point for the solar layer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/solarscan/server/internal/api"
	"github.com/solarscan/server/internal/cache"
	"github.com/solarscan/server/internal/config"
	"github.com/solarscan/server/internal/fetch"
	"github.com/solarscan/server/internal/render"
	"github.com/solarscan/server/internal/service"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	logger.Info("starting solar layer server", "port", cfg.Server.Port)

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		RasterCacheSize:   cfg.Cache.RasterEntries,
	})
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheManager.Close()

	renderer := render.New(render.Config{LUTSize: cfg.Render.LUTSize})

	fetcher := fetch.NewClient(fetch.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		MaxRetries:     cfg.Provider.MaxRetries,
		BufferTTL:      time.Duration(cfg.Provider.BufferTTLMin) * time.Minute,
		BufferMaxItems: cfg.Provider.BufferMaxItems,
	}, logger)

	layerService := service.NewLayerService(service.LayerServiceConfig{
		Fetcher:        fetcher,
		Cache:          cacheManager,
		Renderer:       renderer,
		Logger:         logger,
		DefaultPalette: cfg.Render.DefaultPalette,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:     layerService,
		CORSOrigins: cfg.Server.CORSOrigins,
		CacheStats:  cacheManager.Stats,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
