package raster

import (
	"errors"
	"fmt"
)

var ErrUnknownSampleType = errors.New("unknown sample type")

// SampleType is the storage type of a single pixel sample.
type SampleType int

const (
	TypeByte SampleType = iota
	TypeUShort
	TypeShort
	TypeInt
	TypeFloat
	TypeDouble
	TypeUndefined
)

func (t SampleType) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeUShort:
		return "ushort"
	case TypeShort:
		return "short"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("SampleType(%d)", int(t))
	}
}

// BytesPerSample returns 0 for unknown types.
func (t SampleType) BytesPerSample() int {
	switch t {
	case TypeByte:
		return 1
	case TypeUShort, TypeShort:
		return 2
	case TypeInt, TypeFloat:
		return 4
	case TypeDouble, TypeUndefined:
		return 8
	default:
		return 0
	}
}

// Layout describes how samples of a row are arranged in a tile buffer.
type Layout int

const (
	// LayoutInterleaved packs rows as width*bands samples.
	LayoutInterleaved Layout = iota
	// LayoutComponent uses ScanlineStride samples per row, which may
	// include trailing padding.
	LayoutComponent
)

// SampleModel is the shape and sample layout shared by every tile of an image.
type SampleModel struct {
	Width          int
	Height         int
	Bands          int
	Type           SampleType
	Layout         Layout
	ScanlineStride int
}

func (m SampleModel) Validate() error {
	if m.Type.BytesPerSample() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSampleType, m.Type)
	}
	if m.Width <= 0 || m.Height <= 0 || m.Bands <= 0 {
		return fmt.Errorf("invalid sample model %dx%d with %d bands", m.Width, m.Height, m.Bands)
	}
	if m.Layout == LayoutComponent && m.ScanlineStride < m.Width*m.Bands {
		return fmt.Errorf("scanline stride %d shorter than row of %d samples", m.ScanlineStride, m.Width*m.Bands)
	}
	return nil
}

// RowSamples is the number of samples between the starts of two rows.
func (m SampleModel) RowSamples() int {
	if m.Layout == LayoutComponent {
		return m.ScanlineStride
	}
	return m.Width * m.Bands
}

func (m SampleModel) RowBytes() int {
	return m.RowSamples() * m.Type.BytesPerSample()
}

func (m SampleModel) PixelBytes() int {
	return m.Bands * m.Type.BytesPerSample()
}

// Weight is the number of bytes a tile of this model occupies in memory.
func (m SampleModel) Weight() int64 {
	return int64(m.RowSamples()) * int64(m.Height) * int64(m.Type.BytesPerSample())
}

// Resize returns an interleaved model with the same sample type and bands.
func (m SampleModel) Resize(width, height int) SampleModel {
	return SampleModel{
		Width:  width,
		Height: height,
		Bands:  m.Bands,
		Type:   m.Type,
		Layout: LayoutInterleaved,
	}
}
