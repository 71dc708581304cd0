package catalog

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"tilevault/internal/cache"
	"tilevault/internal/decoder"
	"tilevault/internal/tilecodec"
)

type fakeOpener struct {
	sizes map[string]image.Point
	opens map[string]int
}

func (f *fakeOpener) open(path string, tw, th int) (decoder.Decoder, error) {
	name := filepath.Base(path)
	size, ok := f.sizes[name]
	if !ok {
		return nil, fmt.Errorf("cannot decode %s", name)
	}
	f.opens[name]++
	return decoder.NewImageDecoder(image.NewGray(image.Rect(0, 0, size.X, size.Y)), tw, th)
}

func setup(t *testing.T, files ...string) (string, *cache.Manager, *fakeOpener) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "cache.png"), 0755); err != nil {
		t.Fatal(err)
	}
	codec, err := tilecodec.New("none")
	if err != nil {
		t.Fatal(err)
	}
	m := cache.NewManager(cache.ManagerConfig{Budget: 1 << 20, Root: t.TempDir()},
		cache.NewMemoryBackend(codec), zap.NewNop())
	f := &fakeOpener{
		sizes: map[string]image.Point{
			"b.png":  {X: 300, Y: 200},
			"a.tif":  {X: 64, Y: 64},
			"c.jpeg": {X: 10, Y: 10},
		},
		opens: make(map[string]int),
	}
	return dir, m, f
}

func TestScan(t *testing.T) {
	dir, m, f := setup(t, "b.png", "a.tif", "notes.txt", "broken.webp")
	c := New(dir, m, Options{TileSize: 128, Open: f.open}, zap.NewNop())
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	images := c.List()
	if len(images) != 2 {
		t.Fatalf("List = %+v, want 2 images", images)
	}
	if images[0].Filename != "a.tif" || images[1].Filename != "b.png" {
		t.Fatalf("List order = %s, %s", images[0].Filename, images[1].Filename)
	}
	b := images[1]
	if b.Width != 300 || b.Height != 200 || b.TilesX != 3 || b.TilesY != 2 || b.TileWidth != 128 {
		t.Fatalf("b.png info = %+v", b)
	}
	if b.Bands != 1 || b.SampleType != "byte" {
		t.Fatalf("b.png model = %d bands %s", b.Bands, b.SampleType)
	}
	if b.ID != ImageID(filepath.Join(dir, "b.png")) {
		t.Fatal("id is not derived from the file path")
	}
	if got, ok := c.Get(b.ID); !ok || got != b {
		t.Fatalf("Get(%s) = %+v, %v", b.ID, got, ok)
	}
	if len(m.Stats()) != 0 {
		t.Fatal("Scan registered images with the cache")
	}

	other := New(dir, m, Options{TileSize: 128, Open: f.open}, zap.NewNop())
	if err := other.Scan(); err != nil {
		t.Fatal(err)
	}
	if other.List()[1].ID != b.ID {
		t.Fatal("ids differ between catalogs over the same directory")
	}
}

func TestViewOpensLazily(t *testing.T) {
	dir, m, f := setup(t, "b.png")
	c := New(dir, m, Options{TileSize: 128, Open: f.open}, zap.NewNop())
	if err := c.Scan(); err != nil {
		t.Fatal(err)
	}
	id := c.List()[0].ID
	f.opens = map[string]int{}

	v, err := c.View(id)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	again, err := c.View(id)
	if err != nil {
		t.Fatal(err)
	}
	if v != again || f.opens["b.png"] != 1 {
		t.Fatalf("view opened %d times", f.opens["b.png"])
	}
	if _, err := v.Tile(2, 1); err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if len(m.Stats()) != 1 {
		t.Fatal("view not registered with the cache")
	}

	if err := c.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(m.Stats()) != 0 {
		t.Fatal("Release kept the cache store")
	}
	if _, err := c.View(id); err != nil || f.opens["b.png"] != 2 {
		t.Fatalf("reopen after Release: %v, opens %d", err, f.opens["b.png"])
	}

	if _, err := c.View("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("View(missing) = %v", err)
	}
	if err := c.Release("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Release(missing) = %v", err)
	}
}

func TestRescanClosesRemovedImages(t *testing.T) {
	dir, m, f := setup(t, "b.png", "c.jpeg")
	c := New(dir, m, Options{TileSize: 64, Open: f.open}, zap.NewNop())
	if err := c.Scan(); err != nil {
		t.Fatal(err)
	}
	bID := ImageID(filepath.Join(dir, "b.png"))
	cID := ImageID(filepath.Join(dir, "c.jpeg"))
	bView, err := c.View(bID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.View(cID); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "c.jpeg")); err != nil {
		t.Fatal(err)
	}
	if err := c.Scan(); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(cID); ok {
		t.Fatal("removed image still listed")
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].ImageID != bView.ImageID() {
		t.Fatalf("stats after rescan = %+v", stats)
	}
	if kept, _ := c.View(bID); kept != bView {
		t.Fatal("rescan replaced the view of an unchanged image")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(m.Stats()) != 0 {
		t.Fatal("Close left images registered")
	}
}
