package cache

import (
	"fmt"
	"os"

	"tilevault/internal/quadtree"
	"tilevault/internal/raster"
	"tilevault/internal/tilecodec"
)

// FileBackend stores evicted tiles as TIFF files.
// Structure: {cacheDir}/{imageID}/{quadrant}/.../{x}_{y}.tiff
type FileBackend struct {
	codec *tilecodec.Codec
}

func NewFileBackend(codec *tilecodec.Codec) *FileBackend {
	return &FileBackend{codec: codec}
}

// eagerLayoutTiles bounds the grids whose leaf directories are all created
// up front. Larger grids get their leaves on first write.
const eagerLayoutTiles = 1 << 16

func (b *FileBackend) Prepare(dir *quadtree.Directory) error {
	if dir.Tiles() <= eagerLayoutTiles {
		return dir.CreateArchitecture()
	}
	if err := os.MkdirAll(dir.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}
	return nil
}

func (b *FileBackend) Write(path string, t *raster.Tile) error {
	return b.codec.WriteFile(path, t)
}

func (b *FileBackend) Read(path string, minX, minY int, model raster.SampleModel) (*raster.Tile, error) {
	return b.codec.ReadFile(path, minX, minY, model)
}

func (b *FileBackend) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (b *FileBackend) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) RemoveAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove tile directory: %w", err)
	}
	return nil
}
