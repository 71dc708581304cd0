// Package catalog tracks the source images of a data directory and the
// tiled views opened over them.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilevault/internal/cache"
	"tilevault/internal/decoder"
	"tilevault/internal/decoder/vipsdecoder"
	"tilevault/internal/view"
)

var ErrNotFound = errors.New("image not found")

type ImageInfo struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bytes      int64  `json:"bytes"`
	TileWidth  int    `json:"tile_width"`
	TileHeight int    `json:"tile_height"`
	TilesX     int    `json:"tiles_x"`
	TilesY     int    `json:"tiles_y"`
	Bands      int    `json:"bands"`
	SampleType string `json:"sample_type"`
}

// OpenFunc opens a decoder for the file at path, tiled with the given size.
type OpenFunc func(path string, tileWidth, tileHeight int) (decoder.Decoder, error)

type Options struct {
	TileSize        int
	MaxRegionPixels int
	// Open defaults to a libvips decoder.
	Open OpenFunc
	// Supported filters directory entries. Defaults to vipsdecoder.Supported.
	Supported func(path string) bool
}

type entry struct {
	info ImageInfo
	path string
	view *view.TiledImage
}

type Catalog struct {
	dataDir string
	manager *cache.Manager
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(dataDir string, m *cache.Manager, opts Options, logger *zap.Logger) *Catalog {
	if opts.TileSize <= 0 {
		opts.TileSize = 512
	}
	if opts.Open == nil {
		opts.Open = func(path string, tw, th int) (decoder.Decoder, error) {
			return vipsdecoder.Open(path, tw, th, logger)
		}
	}
	if opts.Supported == nil {
		opts.Supported = vipsdecoder.Supported
	}
	return &Catalog{
		dataDir: dataDir,
		manager: m,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// ImageID derives a stable id from the absolute path of a source file, so
// an image keeps its id across restarts and rescans.
func ImageID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
}

// Scan reads the data directory. Views of images that are still present
// stay open; views of vanished files are closed.
func (c *Catalog) Scan() error {
	dirEntries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	found := make(map[string]*entry)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dataDir, de.Name())
		if !c.opts.Supported(path) {
			continue
		}
		id := ImageID(path)

		c.mu.Lock()
		existing := c.entries[id]
		c.mu.Unlock()
		if existing != nil {
			found[id] = existing
			continue
		}

		fi, err := de.Info()
		if err != nil {
			c.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}
		info, err := c.probe(path)
		if err != nil {
			c.logger.Warn("Failed to scan image", zap.String("path", path), zap.Error(err))
			continue
		}
		info.ID = id
		info.Filename = de.Name()
		info.Bytes = fi.Size()
		found[id] = &entry{info: info, path: path}
	}

	c.mu.Lock()
	var stale []*entry
	for id, e := range c.entries {
		if _, ok := found[id]; !ok {
			stale = append(stale, e)
		}
	}
	c.entries = found
	c.mu.Unlock()

	for _, e := range stale {
		if e.view == nil {
			continue
		}
		if err := e.view.Close(); err != nil {
			c.logger.Warn("Failed to close view of removed image", zap.String("id", e.info.ID), zap.Error(err))
		}
	}

	c.logger.Info("Scanned data directory", zap.String("dir", c.dataDir), zap.Int("images", len(found)))
	return nil
}

func (c *Catalog) probe(path string) (ImageInfo, error) {
	dec, err := c.opts.Open(path, c.opts.TileSize, c.opts.TileSize)
	if err != nil {
		return ImageInfo{}, err
	}
	defer dec.Close()

	grid := dec.Grid()
	model := dec.SampleModel()
	return ImageInfo{
		Width:      grid.Width,
		Height:     grid.Height,
		TileWidth:  grid.TileWidth,
		TileHeight: grid.TileHeight,
		TilesX:     grid.NumXTiles(),
		TilesY:     grid.NumYTiles(),
		Bands:      model.Bands,
		SampleType: model.Type.String(),
	}, nil
}

// List returns the known images ordered by filename.
func (c *Catalog) List() []ImageInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ImageInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func (c *Catalog) Get(id string) (ImageInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return ImageInfo{}, false
	}
	return e.info, true
}

// View returns the view of image id, opening it on first use.
func (c *Catalog) View(id string) (*view.TiledImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.view != nil {
		return e.view, nil
	}

	dec, err := c.opts.Open(e.path, c.opts.TileSize, c.opts.TileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", e.info.Filename, err)
	}
	v, err := view.New(c.manager, dec, view.Options{
		MaxRegionPixels: c.opts.MaxRegionPixels,
		Logger:          c.logger.With(zap.String("file", e.info.Filename)),
	})
	if err != nil {
		return nil, multierr.Append(err, dec.Close())
	}
	e.view = v
	c.logger.Info("Opened image", zap.String("id", id), zap.String("file", e.info.Filename))
	return v, nil
}

// Release closes the view of image id, dropping its cached tiles. The image
// stays listed and is reopened by the next View call.
func (c *Catalog) Release(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	var v *view.TiledImage
	if ok {
		v, e.view = e.view, nil
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if v == nil {
		return nil
	}
	return v.Close()
}

// Close closes every open view.
func (c *Catalog) Close() error {
	c.mu.Lock()
	var views []*view.TiledImage
	for _, e := range c.entries {
		if e.view != nil {
			views = append(views, e.view)
			e.view = nil
		}
	}
	c.mu.Unlock()

	var err error
	for _, v := range views {
		err = multierr.Append(err, v.Close())
	}
	return err
}
