package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tilevault/internal/quadtree"
	"tilevault/internal/raster"
	"tilevault/internal/tilecodec"
)

// MemoryBackend keeps evicted tiles encoded in process memory. With a
// deflate codec it acts as a compressed spill tier for hosts without a
// writable disk.
type MemoryBackend struct {
	mu    sync.RWMutex
	codec *tilecodec.Codec
	files map[string][]byte
}

func NewMemoryBackend(codec *tilecodec.Codec) *MemoryBackend {
	return &MemoryBackend{
		codec: codec,
		files: make(map[string][]byte),
	}
}

func (b *MemoryBackend) Prepare(dir *quadtree.Directory) error {
	return nil
}

func (b *MemoryBackend) Write(path string, t *raster.Tile) error {
	var buf bytes.Buffer
	if err := b.codec.Encode(&buf, t); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.files[path] = buf.Bytes()
	return nil
}

func (b *MemoryBackend) Read(path string, minX, minY int, model raster.SampleModel) (*raster.Tile, error) {
	b.mu.RLock()
	data, ok := b.files[path]
	b.mu.RUnlock()

	if !ok {
		return nil, os.ErrNotExist
	}
	return b.codec.Decode(bytes.NewReader(data), minX, minY, model)
}

func (b *MemoryBackend) Exists(path string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.files[path]
	return ok
}

func (b *MemoryBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.files, path)
	return nil
}

func (b *MemoryBackend) RemoveAll(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for path := range b.files {
		if strings.HasPrefix(path, prefix) {
			delete(b.files, path)
		}
	}
	return nil
}

// Len returns the number of stored tiles.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.files)
}
