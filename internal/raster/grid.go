package raster

import (
	"fmt"
	"image"
)

// Position identifies a tile by its column and row in a tile grid.
type Position struct {
	X int
	Y int
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Grid describes how an image is cut into tiles. MinTileX/MinTileY are the
// indices of the tile that starts at (MinX, MinY).
type Grid struct {
	MinX       int
	MinY       int
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
	MinTileX   int
	MinTileY   int
}

// NewGrid tiles bounds from its top-left corner with tile indices starting at 0.
func NewGrid(bounds image.Rectangle, tileWidth, tileHeight int) Grid {
	return Grid{
		MinX:       bounds.Min.X,
		MinY:       bounds.Min.Y,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		TileWidth:  tileWidth,
		TileHeight: tileHeight,
	}
}

func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", g.Width, g.Height)
	}
	if g.TileWidth <= 0 || g.TileHeight <= 0 {
		return fmt.Errorf("invalid tile size %dx%d", g.TileWidth, g.TileHeight)
	}
	return nil
}

func (g Grid) Bounds() image.Rectangle {
	return image.Rect(g.MinX, g.MinY, g.MinX+g.Width, g.MinY+g.Height)
}

func (g Grid) NumXTiles() int {
	return (g.Width + g.TileWidth - 1) / g.TileWidth
}

func (g Grid) NumYTiles() int {
	return (g.Height + g.TileHeight - 1) / g.TileHeight
}

// Normalize converts absolute tile indices to zero-based ones. ok is false
// when the tile lies outside the grid.
func (g Grid) Normalize(tileX, tileY int) (Position, bool) {
	p := Position{X: tileX - g.MinTileX, Y: tileY - g.MinTileY}
	if p.X < 0 || p.Y < 0 || p.X >= g.NumXTiles() || p.Y >= g.NumYTiles() {
		return p, false
	}
	return p, true
}

// Origin is the pixel position of the top-left corner of a normalized tile.
func (g Grid) Origin(p Position) image.Point {
	return image.Pt(g.MinX+p.X*g.TileWidth, g.MinY+p.Y*g.TileHeight)
}

// TileBounds returns the full, unclipped pixel rectangle of tile (tileX, tileY).
// Edge tiles may extend past the image bounds.
func (g Grid) TileBounds(tileX, tileY int) image.Rectangle {
	o := g.Origin(Position{X: tileX - g.MinTileX, Y: tileY - g.MinTileY})
	return image.Rect(o.X, o.Y, o.X+g.TileWidth, o.Y+g.TileHeight)
}

// TileAt returns the absolute index of the tile containing pixel (x, y).
func (g Grid) TileAt(x, y int) Position {
	return Position{
		X: floorDiv(x-g.MinX, g.TileWidth) + g.MinTileX,
		Y: floorDiv(y-g.MinY, g.TileHeight) + g.MinTileY,
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// TilesIn lists the absolute indices of the tiles intersecting r, row by row.
func (g Grid) TilesIn(r image.Rectangle) []Position {
	r = r.Intersect(g.Bounds())
	if r.Empty() {
		return nil
	}
	x0 := (r.Min.X - g.MinX) / g.TileWidth
	y0 := (r.Min.Y - g.MinY) / g.TileHeight
	x1 := (r.Max.X - g.MinX - 1) / g.TileWidth
	y1 := (r.Max.Y - g.MinY - 1) / g.TileHeight

	out := make([]Position, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, Position{X: x + g.MinTileX, Y: y + g.MinTileY})
		}
	}
	return out
}
