package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

var ErrUnsupportedImage = errors.New("tile cannot be represented as an image")

// FromImage copies img into a tile whose origin is img.Bounds().Min.
// Gray and Gray16 images keep a single band, every other image becomes
// 4-band RGBA (8 or 16 bits per sample).
func FromImage(img image.Image) *Tile {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		t := mustTile(b.Min, SampleModel{Width: w, Height: h, Bands: 1, Type: TypeByte})
		for y := 0; y < h; y++ {
			copy(t.Data[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return t
	case *image.Gray16:
		t := mustTile(b.Min, SampleModel{Width: w, Height: h, Bands: 1, Type: TypeUShort})
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride:]
			for x := 0; x < w; x++ {
				binary.LittleEndian.PutUint16(t.Data[(y*w+x)*2:], binary.BigEndian.Uint16(row[x*2:]))
			}
		}
		return t
	case *image.NRGBA64, *image.RGBA64:
		n := image.NewNRGBA64(b)
		draw.Draw(n, b, src, b.Min, draw.Src)
		t := mustTile(b.Min, SampleModel{Width: w, Height: h, Bands: 4, Type: TypeUShort})
		for y := 0; y < h; y++ {
			row := n.Pix[y*n.Stride:]
			for i := 0; i < w*4; i++ {
				binary.LittleEndian.PutUint16(t.Data[(y*w*4+i)*2:], binary.BigEndian.Uint16(row[i*2:]))
			}
		}
		return t
	}

	n, ok := img.(*image.NRGBA)
	if !ok {
		n = image.NewNRGBA(b)
		draw.Draw(n, b, img, b.Min, draw.Src)
	}
	t := mustTile(b.Min, SampleModel{Width: w, Height: h, Bands: 4, Type: TypeByte})
	for y := 0; y < h; y++ {
		copy(t.Data[y*w*4:(y+1)*w*4], n.Pix[y*n.Stride:y*n.Stride+w*4])
	}
	return t
}

func mustTile(min image.Point, m SampleModel) *Tile {
	t, err := NewTile(min.X, min.Y, m)
	if err != nil {
		panic(err)
	}
	return t
}

// ToImage converts byte and ushort tiles with 1 to 4 bands to an image
// for encoding. Two bands are read as gray plus alpha, three as RGB.
func ToImage(t *Tile) (image.Image, error) {
	m := t.Model
	if m.Bands < 1 || m.Bands > 4 {
		return nil, fmt.Errorf("%w: %d bands", ErrUnsupportedImage, m.Bands)
	}
	b := t.Bounds()

	switch m.Type {
	case TypeByte:
		if m.Bands == 1 {
			img := image.NewGray(b)
			for y := 0; y < m.Height; y++ {
				copy(img.Pix[y*img.Stride:], t.Data[y*m.RowBytes():y*m.RowBytes()+m.Width])
			}
			return img, nil
		}
		img := image.NewNRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px := t.Pixel(x, y)
				i := img.PixOffset(x, y)
				expand(img.Pix[i:i+4], px, 0xff)
			}
		}
		return img, nil
	case TypeUShort:
		if m.Bands == 1 {
			img := image.NewGray16(b)
			for y := b.Min.Y; y < b.Max.Y; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					i := img.PixOffset(x, y)
					binary.BigEndian.PutUint16(img.Pix[i:], binary.LittleEndian.Uint16(t.Pixel(x, y)))
				}
			}
			return img, nil
		}
		img := image.NewNRGBA64(b)
		var px [4]uint16
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				raw := t.Pixel(x, y)
				samples := make([]uint16, m.Bands)
				for c := range samples {
					samples[c] = binary.LittleEndian.Uint16(raw[c*2:])
				}
				expand16(px[:], samples)
				i := img.PixOffset(x, y)
				for c := 0; c < 4; c++ {
					binary.BigEndian.PutUint16(img.Pix[i+c*2:], px[c])
				}
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: sample type %s", ErrUnsupportedImage, m.Type)
	}
}

func expand(dst, src []byte, opaque byte) {
	switch len(src) {
	case 2:
		dst[0], dst[1], dst[2], dst[3] = src[0], src[0], src[0], src[1]
	case 3:
		dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], opaque
	default:
		copy(dst, src[:4])
	}
}

func expand16(dst, src []uint16) {
	switch len(src) {
	case 2:
		dst[0], dst[1], dst[2], dst[3] = src[0], src[0], src[0], src[1]
	case 3:
		dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], 0xffff
	default:
		copy(dst, src[:4])
	}
}
