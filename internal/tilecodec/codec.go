// Package tilecodec stores tiles as lossless TIFF files.
//
// The raw sample buffer of a tile is written as an 8-bit grayscale image
// of rowBytes x height pixels, so every sample type and layout survives
// a round trip bit for bit. The sample model is not stored in the file;
// the reader supplies it.
package tilecodec

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"golang.org/x/image/tiff"

	"tilevault/internal/raster"
)

const Ext = "tiff"

type Codec struct {
	opts tiff.Options
}

// New returns a codec for the named compression: "none" or "deflate".
func New(compression string) (*Codec, error) {
	switch compression {
	case "", "none":
		return &Codec{opts: tiff.Options{Compression: tiff.Uncompressed}}, nil
	case "deflate":
		return &Codec{opts: tiff.Options{Compression: tiff.Deflate}}, nil
	default:
		return nil, fmt.Errorf("unknown tile compression: %s (supported: none, deflate)", compression)
	}
}

func (c *Codec) Encode(w io.Writer, t *raster.Tile) error {
	rowBytes := t.Model.RowBytes()
	img := &image.Gray{
		Pix:    t.Data,
		Stride: rowBytes,
		Rect:   image.Rect(0, 0, rowBytes, t.Model.Height),
	}
	return tiff.Encode(w, img, &c.opts)
}

// Decode reads a tile of the given model and origin.
func (c *Codec) Decode(r io.Reader, minX, minY int, model raster.SampleModel) (*raster.Tile, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("unexpected tile image type %T", img)
	}

	t, err := raster.NewTile(minX, minY, model)
	if err != nil {
		return nil, err
	}
	rowBytes := model.RowBytes()
	b := gray.Bounds()
	if b.Dx() != rowBytes || b.Dy() != model.Height {
		return nil, fmt.Errorf("tile file is %dx%d, expected %dx%d", b.Dx(), b.Dy(), rowBytes, model.Height)
	}
	for y := 0; y < model.Height; y++ {
		copy(t.Data[y*rowBytes:(y+1)*rowBytes], gray.Pix[y*gray.Stride:y*gray.Stride+rowBytes])
	}
	return t, nil
}

// WriteFile writes t to path atomically, creating parent directories.
func (c *Codec) WriteFile(path string, t *raster.Tile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := c.Encode(f, t); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ReadFile maps the file at path and decodes it.
func (c *Codec) ReadFile(path string, minX, minY int, model raster.SampleModel) (*raster.Tile, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return c.Decode(io.NewSectionReader(r, 0, int64(r.Len())), minX, minY, model)
}
