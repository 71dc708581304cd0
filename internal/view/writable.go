package view

import (
	"fmt"
	"image"

	"tilevault/internal/cache"
	"tilevault/internal/decoder"
	"tilevault/internal/raster"
)

// WritableTiledImage is a TiledImage whose tiles may be modified in place.
// Untouched tiles start blank, or with decoded pixels when a decoder is
// given. Modified tiles are written back to the overflow backend every
// time they are evicted.
//
// Tiles are handed out by reference; a writer must not race with other
// users of the same image.
type WritableTiledImage struct {
	*TiledImage
}

// NewWritable creates a blank writable image covering grid.
func NewWritable(m *cache.Manager, grid raster.Grid, model raster.SampleModel, opts Options) (*WritableTiledImage, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if model.Width != grid.TileWidth || model.Height != grid.TileHeight {
		return nil, fmt.Errorf("sample model %dx%d does not match tile size %dx%d",
			model.Width, model.Height, grid.TileWidth, grid.TileHeight)
	}
	v, err := newTiledImage(m, nil, grid, model, true, opts)
	if err != nil {
		return nil, err
	}
	return &WritableTiledImage{TiledImage: v}, nil
}

// NewWritableFrom creates a writable image initialised from dec.
func NewWritableFrom(m *cache.Manager, dec decoder.Decoder, opts Options) (*WritableTiledImage, error) {
	v, err := newTiledImage(m, dec, dec.Grid(), dec.SampleModel(), true, opts)
	if err != nil {
		return nil, err
	}
	return &WritableTiledImage{TiledImage: v}, nil
}

// SetSample writes one sample of pixel (x, y).
func (w *WritableTiledImage) SetSample(x, y, band int, value float64) error {
	if !image.Pt(x, y).In(w.Bounds()) {
		return fmt.Errorf("%w: pixel (%d,%d)", ErrOutOfBounds, x, y)
	}
	if band < 0 || band >= w.model.Bands {
		return fmt.Errorf("band %d out of range [0,%d)", band, w.model.Bands)
	}
	p := w.grid.TileAt(x, y)
	tile, err := w.Tile(p.X, p.Y)
	if err != nil {
		return err
	}
	tile.SetSample(x, y, band, value)
	return nil
}

// WriteRegion copies the part of src that overlaps the image into its tiles.
func (w *WritableTiledImage) WriteRegion(src *raster.Tile) error {
	r := src.Bounds().Intersect(w.Bounds())
	if r.Empty() {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, src.Bounds())
	}
	for _, p := range w.grid.TilesIn(r) {
		tile, err := w.Tile(p.X, p.Y)
		if err != nil {
			return err
		}
		if err := raster.CopyRect(tile, src, r); err != nil {
			return err
		}
	}
	return nil
}
