package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"math"
)

// Tile is a block of pixel samples covering one cell of an image mosaic.
// Samples are stored little-endian in Data following Model.
type Tile struct {
	MinX  int
	MinY  int
	Model SampleModel
	Data  []byte
}

// NewTile allocates a zero-filled tile with its origin at (minX, minY).
func NewTile(minX, minY int, model SampleModel) (*Tile, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return &Tile{
		MinX:  minX,
		MinY:  minY,
		Model: model,
		Data:  make([]byte, model.Weight()),
	}, nil
}

func (t *Tile) Bounds() image.Rectangle {
	return image.Rect(t.MinX, t.MinY, t.MinX+t.Model.Width, t.MinY+t.Model.Height)
}

func (t *Tile) Weight() int64 {
	return t.Model.Weight()
}

// offset returns the byte offset of the first sample of pixel (x, y),
// with x and y in image pixel space.
func (t *Tile) offset(x, y int) int {
	return (y-t.MinY)*t.Model.RowBytes() + (x-t.MinX)*t.Model.PixelBytes()
}

// Pixel returns the bytes of every band of pixel (x, y). The slice aliases Data.
func (t *Tile) Pixel(x, y int) []byte {
	off := t.offset(x, y)
	return t.Data[off : off+t.Model.PixelBytes()]
}

// Sample reads one sample as float64. (x, y) must lie inside Bounds.
func (t *Tile) Sample(x, y, band int) float64 {
	bps := t.Model.Type.BytesPerSample()
	b := t.Data[t.offset(x, y)+band*bps:]
	switch t.Model.Type {
	case TypeByte:
		return float64(b[0])
	case TypeUShort:
		return float64(binary.LittleEndian.Uint16(b))
	case TypeShort:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case TypeInt:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case TypeFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

// SetSample writes one sample, converting v to the tile's sample type.
func (t *Tile) SetSample(x, y, band int, v float64) {
	bps := t.Model.Type.BytesPerSample()
	b := t.Data[t.offset(x, y)+band*bps:]
	switch t.Model.Type {
	case TypeByte:
		b[0] = uint8(v)
	case TypeUShort:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case TypeShort:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case TypeInt:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case TypeFloat:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func (t *Tile) Clone() *Tile {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Tile{MinX: t.MinX, MinY: t.MinY, Model: t.Model, Data: data}
}

// Equal reports whether both tiles have the same origin, model and samples.
func (t *Tile) Equal(o *Tile) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.MinX == o.MinX && t.MinY == o.MinY && t.Model == o.Model && bytes.Equal(t.Data, o.Data)
}

// CopyRect copies the pixels of r that both tiles cover from src into dst.
// Both tiles must share sample type and band count.
func CopyRect(dst, src *Tile, r image.Rectangle) error {
	if dst.Model.Type != src.Model.Type || dst.Model.Bands != src.Model.Bands {
		return fmt.Errorf("incompatible tiles: %s/%d bands into %s/%d bands",
			src.Model.Type, src.Model.Bands, dst.Model.Type, dst.Model.Bands)
	}
	r = r.Intersect(dst.Bounds()).Intersect(src.Bounds())
	if r.Empty() {
		return nil
	}
	span := r.Dx() * src.Model.PixelBytes()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		d := dst.offset(r.Min.X, y)
		s := src.offset(r.Min.X, y)
		copy(dst.Data[d:d+span], src.Data[s:s+span])
	}
	return nil
}
