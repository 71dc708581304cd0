package cache

import (
	"tilevault/internal/quadtree"
	"tilevault/internal/raster"
)

// Image is the identity and layout of a tiled image whose tiles are cached.
type Image interface {
	ImageID() string
	Grid() raster.Grid
	SampleModel() raster.SampleModel
	// Writable images rewrite their tiles on every eviction because the
	// resident copy may have changed since the last write.
	Writable() bool
}

// Backend persists evicted tiles. Paths come from a quadtree.Directory.
type Backend interface {
	// Prepare is called once before the first write under dir.
	Prepare(dir *quadtree.Directory) error
	Write(path string, t *raster.Tile) error
	Read(path string, minX, minY int, model raster.SampleModel) (*raster.Tile, error)
	Exists(path string) bool
	Remove(path string) error
	RemoveAll(dir string) error
}
