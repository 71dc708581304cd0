package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"tilevault/internal/cache"
	"tilevault/internal/catalog"
	"tilevault/internal/config"
	"tilevault/internal/raster"
	"tilevault/internal/view"
)

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	manager *cache.Manager
	// tiles holds encoded PNG tiles keyed by "id/x/y". Nil when disabled.
	tiles   *lru.Cache[string, []byte]
	encoder png.Encoder
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, manager *cache.Manager) (*Handlers, error) {
	h := &Handlers{
		config:  config,
		logger:  logger,
		catalog: catalog,
		manager: manager,
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
	if config.ResponseCache > 0 {
		tiles, err := lru.New[string, []byte](config.ResponseCache)
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		h.tiles = tiles
	}
	return h, nil
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/api/cache/capacity", h.HandleCacheCapacity)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		switch {
		case h.config.AllowedOrigin != "":
			allowedOrigin = h.config.AllowedOrigin
		case origin == "":
			allowedOrigin = "*"
		case origin == "http://"+r.Host || origin == "https://"+r.Host:
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.catalog.List())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	imageID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, imageID)
	case len(parts) == 2 && parts[1] == "cache":
		h.handleRelease(w, r, imageID)
	case len(parts) == 2 && parts[1] == "region.png":
		h.handleRegion(w, r, imageID)
	case len(parts) == 4 && parts[1] == "tiles":
		h.handleTile(w, r, imageID, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, ok := h.catalog.Get(imageID)
	if !ok {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, info)
}

// handleRelease drops the cached tiles of one image from memory, disk and
// the response cache.
func (h *Handlers) handleRelease(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.catalog.Release(imageID); err != nil {
		h.writeError(w, err)
		return
	}
	h.purgeImage(imageID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) purgeImage(imageID string) {
	if h.tiles == nil {
		return
	}
	prefix := imageID + "/"
	for _, key := range h.tiles.Keys() {
		if strings.HasPrefix(key, prefix) {
			h.tiles.Remove(key)
		}
	}
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, imageID string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	x, err := strconv.Atoi(tileParts[0])
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}
	yPart, ok := strings.CutSuffix(tileParts[1], ".png")
	if !ok {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(yPart)
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("%s/%d/%d", imageID, x, y)
	if h.tiles != nil {
		if data, ok := h.tiles.Get(key); ok {
			h.writePNG(w, r, data, "HIT")
			return
		}
	}

	v, err := h.catalog.View(imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	grid := v.Grid()
	if _, ok := grid.Normalize(x, y); !ok {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}

	// Edge tiles are cropped to the image.
	tile, err := v.Region(grid.TileBounds(x, y).Intersect(v.Bounds()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := h.encode(tile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.tiles != nil {
		h.tiles.Add(key, data)
	}
	h.writePNG(w, r, data, "MISS")
}

func (h *Handlers) handleRegion(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rect, err := parseRect(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := h.catalog.View(imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	region, err := v.Region(rect)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := h.encode(region)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePNG(w, r, data, "")
}

func parseRect(r *http.Request) (image.Rectangle, error) {
	q := r.URL.Query()
	var vals [4]int
	for i, name := range []string{"x", "y", "w", "h"} {
		n, err := strconv.Atoi(q.Get(name))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid %s parameter", name)
		}
		vals[i] = n
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("width and height must be positive")
	}
	return image.Rect(vals[0], vals[1], vals[0]+vals[2], vals[1]+vals[3]), nil
}

func (h *Handlers) encode(t *raster.Tile) ([]byte, error) {
	img, err := raster.ToImage(t)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := h.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *Handlers) writePNG(w http.ResponseWriter, r *http.Request, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if cacheStatus != "" {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Cache", cacheStatus)
	}

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

type cacheResponse struct {
	Capacity      int64              `json:"capacity"`
	Images        []cache.StoreStats `json:"images"`
	ResponseCache int                `json:"response_cache_entries"`
}

func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := cacheResponse{
		Capacity: h.manager.Capacity(),
		Images:   h.manager.Stats(),
	}
	if h.tiles != nil {
		resp.ResponseCache = h.tiles.Len()
	}
	h.writeJSON(w, resp)
}

func (h *Handlers) HandleCacheCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	capacity, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || capacity < 0 {
		http.Error(w, "Invalid bytes parameter", http.StatusBadRequest)
		return
	}
	if err := h.manager.SetGlobalCapacity(capacity); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Cache capacity changed", zap.Int64("bytes", capacity))
	h.writeJSON(w, map[string]int64{"capacity": h.manager.Capacity()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, cache.ErrOutOfGrid):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, view.ErrOutOfBounds):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, view.ErrRegionTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, raster.ErrUnsupportedImage):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, view.ErrClosed), errors.Is(err, cache.ErrUnregisteredImage):
		http.Error(w, "Image was released, retry", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
