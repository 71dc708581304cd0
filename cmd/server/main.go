package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilevault/internal/cache"
	"tilevault/internal/catalog"
	"tilevault/internal/config"
	httphandlers "tilevault/internal/http"
	"tilevault/internal/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting tilevault server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("cache_dir", cfg.CacheDir),
		zap.Int64("cache_budget_mb", cfg.CacheBudgetMB),
	)

	backend, err := cache.NewBackend(cfg.CacheBackend, cfg.TileCompression, log)
	if err != nil {
		log.Fatal("Failed to initialize cache backend", zap.Error(err))
	}
	manager := cache.NewManager(cache.ManagerConfig{
		Budget:         cfg.CacheBudget(),
		Root:           cfg.CacheDir,
		MaxFilesPerDir: cfg.QuadtreeMaxFiles,
	}, backend, log)

	images := catalog.New(cfg.DataDir, manager, catalog.Options{
		TileSize:        cfg.TileSize,
		MaxRegionPixels: cfg.MaxRegionPixels,
	}, log)
	if err := images.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	handlers, err := httphandlers.New(cfg, log, images, manager)
	if err != nil {
		log.Fatal("Failed to initialize handlers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warmupDone := make(chan struct{})
	if cfg.Warmup {
		go func() {
			defer close(warmupDone)
			warmupTiles(ctx, cfg.WarmupWorkers, images, log)
		}()
	} else {
		close(warmupDone)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	<-warmupDone

	if err := images.Close(); err != nil {
		log.Error("Failed to close images", zap.Error(err))
	}
	if err := manager.Close(); err != nil {
		log.Error("Failed to clear tile cache", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupTiles decodes every tile of every image once so later requests are
// served from the cache or its overflow files.
func warmupTiles(ctx context.Context, workers int, images *catalog.Catalog, log *zap.Logger) {
	list := images.List()
	if len(list) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("images", len(list)), zap.Int("workers", workers))
	start := time.Now()

	for _, img := range list {
		v, err := images.View(img.ID)
		if err != nil {
			log.Warn("Warmup failed to open image", zap.String("image", img.ID), zap.Error(err))
			continue
		}
		if err := v.Prefetch(ctx, v.Bounds(), workers); err != nil {
			if ctx.Err() != nil {
				log.Info("Tile warmup cancelled")
				return
			}
			log.Debug("Warmup image failed", zap.String("image", img.ID), zap.Error(err))
		}
	}

	log.Info("Tile warmup completed", zap.Duration("duration", time.Since(start)))
}
