package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Port             int
	DataDir          string
	CacheDir         string
	CacheBackend     string
	CacheBudgetMB    int64
	QuadtreeMaxFiles int
	TileSize         int
	TileCompression  string
	MaxRegionPixels  int
	ResponseCache    int
	Warmup           bool
	WarmupWorkers    int
	VipsMaxCacheMB   int
	VipsConcurrency  int
	LogLevel         string
	AllowedOrigin    string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		DataDir:          dataDir,
		CacheDir:         getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),
		CacheBackend:     getEnv("CACHE_BACKEND", "file"),
		CacheBudgetMB:    getEnvInt64("CACHE_BUDGET_MB", 512),
		QuadtreeMaxFiles: getEnvInt("QUADTREE_MAX_FILES", 64),
		TileSize:         getEnvInt("TILE_SIZE", 512),
		TileCompression:  getEnv("TILE_COMPRESSION", "deflate"),
		MaxRegionPixels:  getEnvInt("MAX_REGION_PIXELS", 4096*4096),
		ResponseCache:    getEnvInt("RESPONSE_CACHE_TILES", 1024),
		Warmup:           getEnv("WARMUP", "false") == "true",
		WarmupWorkers:    getEnvInt("WARMUP_WORKERS", 1),
		VipsMaxCacheMB:   getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:  getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// CacheBudget is the global tile budget in bytes.
func (c *Config) CacheBudget() int64 {
	return c.CacheBudgetMB << 20
}

func (c *Config) Validate() error {
	if c.CacheBudgetMB < 0 {
		return fmt.Errorf("CACHE_BUDGET_MB must not be negative, got %d", c.CacheBudgetMB)
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("TILE_SIZE must be positive, got %d", c.TileSize)
	}
	if c.QuadtreeMaxFiles < 1 {
		return fmt.Errorf("QUADTREE_MAX_FILES must be at least 1, got %d", c.QuadtreeMaxFiles)
	}
	if c.ResponseCache < 0 {
		return fmt.Errorf("RESPONSE_CACHE_TILES must not be negative, got %d", c.ResponseCache)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
