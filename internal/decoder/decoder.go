// Package decoder defines the source of pixel data for tiled image views.
package decoder

import (
	"fmt"
	"image"

	"tilevault/internal/raster"
)

// Decoder reads pixel regions of a source image.
type Decoder interface {
	// Grid is the tiling the source is read with.
	Grid() raster.Grid
	// SampleModel is the model of one full tile.
	SampleModel() raster.SampleModel
	// ReadRegion decodes r into an interleaved tile with origin r.Min.
	// Pixels of r outside the image are zero.
	ReadRegion(r image.Rectangle) (*raster.Tile, error)
	Close() error
}

// ImageDecoder serves regions of an image already held in memory.
type ImageDecoder struct {
	src  *raster.Tile
	grid raster.Grid
}

func NewImageDecoder(img image.Image, tileWidth, tileHeight int) (*ImageDecoder, error) {
	grid := raster.NewGrid(img.Bounds(), tileWidth, tileHeight)
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	return &ImageDecoder{src: raster.FromImage(img), grid: grid}, nil
}

// NewTileDecoder serves regions of a raster of any sample type.
func NewTileDecoder(src *raster.Tile, tileWidth, tileHeight int) (*ImageDecoder, error) {
	grid := raster.NewGrid(src.Bounds(), tileWidth, tileHeight)
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	return &ImageDecoder{src: src, grid: grid}, nil
}

func (d *ImageDecoder) Grid() raster.Grid {
	return d.grid
}

func (d *ImageDecoder) SampleModel() raster.SampleModel {
	return d.src.Model.Resize(d.grid.TileWidth, d.grid.TileHeight)
}

func (d *ImageDecoder) ReadRegion(r image.Rectangle) (*raster.Tile, error) {
	if r.Empty() {
		return nil, fmt.Errorf("empty region %v", r)
	}
	t, err := raster.NewTile(r.Min.X, r.Min.Y, d.src.Model.Resize(r.Dx(), r.Dy()))
	if err != nil {
		return nil, err
	}
	if err := raster.CopyRect(t, d.src, r); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *ImageDecoder) Close() error {
	return nil
}
