// Package vipsdecoder reads regions of large image files with libvips.
package vipsdecoder

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilevault/internal/raster"
)

// Decoder opens the source file for every region so concurrent reads do
// not share a vips image.
type Decoder struct {
	path   string
	grid   raster.Grid
	model  raster.SampleModel
	logger *zap.Logger
}

// Supported reports whether the file extension can be decoded.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}

func Open(path string, tileWidth, tileHeight int, logger *zap.Logger) (*Decoder, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	width, height := img.Width(), img.Height()
	img.Close()

	d := &Decoder{
		path:   path,
		grid:   raster.NewGrid(image.Rect(0, 0, width, height), tileWidth, tileHeight),
		logger: logger,
	}
	if err := d.grid.Validate(); err != nil {
		return nil, err
	}

	// The sample layout is whatever a decoded region comes back as.
	probe, err := d.decode(image.Rect(0, 0, 1, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to probe sample layout: %w", err)
	}
	d.model = probe.Model.Resize(tileWidth, tileHeight)

	logger.Debug("Opened image",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("bands", d.model.Bands),
		zap.Stringer("sample_type", d.model.Type),
	)
	return d, nil
}

func (d *Decoder) Grid() raster.Grid {
	return d.grid
}

func (d *Decoder) SampleModel() raster.SampleModel {
	return d.model
}

func (d *Decoder) ReadRegion(r image.Rectangle) (*raster.Tile, error) {
	out, err := raster.NewTile(r.Min.X, r.Min.Y, d.model.Resize(r.Dx(), r.Dy()))
	if err != nil {
		return nil, err
	}
	inside := r.Intersect(d.grid.Bounds())
	if inside.Empty() {
		return out, nil
	}

	src, err := d.decode(inside)
	if err != nil {
		return nil, err
	}
	if err := raster.CopyRect(out, src, inside); err != nil {
		return nil, err
	}
	return out, nil
}

// decode extracts r, which must lie inside the image, losslessly through PNG.
func (d *Decoder) decode(r image.Rectangle) (*raster.Tile, error) {
	img, err := loadImage(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	if err := img.ExtractArea(r.Min.X, r.Min.Y, r.Dx(), r.Dy()); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	data, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export region: %w", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode region: %w", err)
	}

	t := raster.FromImage(decoded)
	t.MinX, t.MinY = r.Min.X, r.Min.Y
	return t, nil
}

func (d *Decoder) Close() error {
	return nil
}

// loadImage loads an image based on file extension
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	// Use AccessRandom for efficient region extraction from large files
	access := vips.AccessRandom

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
