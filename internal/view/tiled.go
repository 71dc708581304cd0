// Package view presents large images whose tiles are decoded lazily and
// kept within a shared memory budget by a cache.Manager.
package view

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tilevault/internal/cache"
	"tilevault/internal/decoder"
	"tilevault/internal/raster"
)

const DefaultMaxRegionPixels = 4096 * 4096

var (
	ErrRegionTooLarge = errors.New("region too large")
	ErrOutOfBounds    = errors.New("region outside image")
	ErrClosed         = errors.New("image view closed")
)

type Options struct {
	// MaxRegionPixels bounds Region requests. Zero means DefaultMaxRegionPixels.
	MaxRegionPixels int
	Logger          *zap.Logger
}

// TiledImage is a read-only image whose tiles are read from a decoder on
// first access and served from the cache afterwards.
type TiledImage struct {
	id        string
	manager   *cache.Manager
	decoder   decoder.Decoder
	grid      raster.Grid
	model     raster.SampleModel
	writable  bool
	maxRegion int
	logger    *zap.Logger

	// life is held shared by tile loads and exclusively by Close.
	life   sync.RWMutex
	closed bool

	mu      sync.Mutex
	touched map[raster.Position]bool
	loads   singleflight.Group
}

// New creates a view over dec and registers it with m. The caller must
// Close it to release its cached tiles.
func New(m *cache.Manager, dec decoder.Decoder, opts Options) (*TiledImage, error) {
	return newTiledImage(m, dec, dec.Grid(), dec.SampleModel(), false, opts)
}

func newTiledImage(m *cache.Manager, dec decoder.Decoder, grid raster.Grid, model raster.SampleModel, writable bool, opts Options) (*TiledImage, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxRegionPixels <= 0 {
		opts.MaxRegionPixels = DefaultMaxRegionPixels
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &TiledImage{
		id:        uuid.New().String(),
		manager:   m,
		decoder:   dec,
		grid:      grid,
		model:     model,
		writable:  writable,
		maxRegion: opts.MaxRegionPixels,
		touched:   make(map[raster.Position]bool),
	}
	v.logger = logger.With(zap.String("image", v.id))

	if _, err := m.Register(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *TiledImage) ImageID() string                 { return v.id }
func (v *TiledImage) Grid() raster.Grid               { return v.grid }
func (v *TiledImage) SampleModel() raster.SampleModel { return v.model }
func (v *TiledImage) Writable() bool                  { return v.writable }

func (v *TiledImage) Bounds() image.Rectangle {
	return v.grid.Bounds()
}

func (v *TiledImage) isTouched(p raster.Position) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.touched[p]
}

// Tile returns tile (tileX, tileY), decoding it on first access.
func (v *TiledImage) Tile(tileX, tileY int) (*raster.Tile, error) {
	p, ok := v.grid.Normalize(tileX, tileY)
	if !ok {
		return nil, fmt.Errorf("%w: tile (%d,%d)", cache.ErrOutOfGrid, tileX, tileY)
	}

	v.life.RLock()
	defer v.life.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}

	if v.isTouched(p) {
		tile, found, err := v.manager.GetTile(v, tileX, tileY)
		if err != nil || found {
			return tile, err
		}
		v.logger.Warn("Touched tile missing from cache, reading again", zap.Stringer("tile", p))
	}

	res, err, _ := v.loads.Do(p.String(), func() (interface{}, error) {
		if v.isTouched(p) {
			if tile, found, err := v.manager.GetTile(v, tileX, tileY); err != nil || found {
				return tile, err
			}
		}

		tile, err := v.load(tileX, tileY)
		if err != nil {
			return nil, err
		}
		if err := v.manager.AddTile(v, tileX, tileY, tile); err != nil {
			// A read-only tile heavier than the image's share can still be
			// served, it is decoded again on the next access.
			if !v.writable && errors.Is(err, cache.ErrTileTooLarge) {
				v.logger.Debug("Serving tile uncached", zap.Stringer("tile", p), zap.Error(err))
				return tile, nil
			}
			return nil, err
		}

		v.mu.Lock()
		v.touched[p] = true
		v.mu.Unlock()
		return tile, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*raster.Tile), nil
}

// load produces the initial content of a tile: decoded pixels, or a blank
// tile for a writable image without a decoder.
func (v *TiledImage) load(tileX, tileY int) (*raster.Tile, error) {
	bounds := v.grid.TileBounds(tileX, tileY)
	if v.decoder == nil {
		return raster.NewTile(bounds.Min.X, bounds.Min.Y, v.model)
	}

	tile, err := v.decoder.ReadRegion(bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile (%d,%d): %w", tileX, tileY, err)
	}
	if tile.Model != v.model {
		return nil, fmt.Errorf("decoder returned %s/%d bands for tile (%d,%d), image is %s/%d bands",
			tile.Model.Type, tile.Model.Bands, tileX, tileY, v.model.Type, v.model.Bands)
	}
	v.logger.Debug("Decoded tile", zap.Int("x", tileX), zap.Int("y", tileY))
	return tile, nil
}

// Sample reads one sample of pixel (x, y).
func (v *TiledImage) Sample(x, y, band int) (float64, error) {
	if !image.Pt(x, y).In(v.Bounds()) {
		return 0, fmt.Errorf("%w: pixel (%d,%d)", ErrOutOfBounds, x, y)
	}
	if band < 0 || band >= v.model.Bands {
		return 0, fmt.Errorf("band %d out of range [0,%d)", band, v.model.Bands)
	}
	p := v.grid.TileAt(x, y)
	tile, err := v.Tile(p.X, p.Y)
	if err != nil {
		return 0, err
	}
	return tile.Sample(x, y, band), nil
}

func (v *TiledImage) checkRegion(r image.Rectangle) error {
	if r.Empty() || !r.In(v.grid.Bounds()) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, v.grid.Bounds())
	}
	if r.Dx()*r.Dy() > v.maxRegion {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrRegionTooLarge, r.Dx(), r.Dy(), v.maxRegion)
	}
	return nil
}

// Region copies the pixels of r, which must lie inside the image, into a
// single raster.
func (v *TiledImage) Region(r image.Rectangle) (*raster.Tile, error) {
	if err := v.checkRegion(r); err != nil {
		return nil, err
	}

	out, err := raster.NewTile(r.Min.X, r.Min.Y, v.model.Resize(r.Dx(), r.Dy()))
	if err != nil {
		return nil, err
	}
	for _, p := range v.grid.TilesIn(r) {
		tile, err := v.Tile(p.X, p.Y)
		if err != nil {
			return nil, err
		}
		if err := raster.CopyRect(out, tile, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Prefetch loads every tile intersecting r using up to workers goroutines.
func (v *TiledImage) Prefetch(ctx context.Context, r image.Rectangle, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range v.grid.TilesIn(r) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := v.Tile(p.X, p.Y)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close drops the image's tiles from memory and disk. Calling Close more
// than once is a no-op.
func (v *TiledImage) Close() error {
	v.life.Lock()
	defer v.life.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	v.mu.Lock()
	v.touched = make(map[raster.Position]bool)
	v.mu.Unlock()

	err := v.manager.DropImage(v)
	if v.decoder != nil {
		err = multierr.Append(err, v.decoder.Close())
	}
	return err
}
