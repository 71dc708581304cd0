package cache

import (
	"errors"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"tilevault/internal/quadtree"
	"tilevault/internal/raster"
	"tilevault/internal/tilecodec"
)

var testModel = raster.SampleModel{Width: 10, Height: 10, Bands: 1, Type: raster.TypeByte}

func testGrid() raster.Grid {
	return raster.NewGrid(image.Rect(0, 0, 40, 40), 10, 10)
}

func fileBackend(t *testing.T) *FileBackend {
	t.Helper()
	codec, err := tilecodec.New("none")
	if err != nil {
		t.Fatal(err)
	}
	return NewFileBackend(codec)
}

func newTestStore(t *testing.T, capacity int64, writable bool, backend Backend) *Store {
	t.Helper()
	st, err := NewStore(StoreConfig{
		ImageID:  "img",
		Grid:     testGrid(),
		Model:    testModel,
		Writable: writable,
		Dir:      filepath.Join(t.TempDir(), "img"),
		Capacity: capacity,
	}, backend, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func filledTile(t *testing.T, minX, minY int, model raster.SampleModel, seed int64) *raster.Tile {
	t.Helper()
	tile, err := raster.NewTile(minX, minY, model)
	if err != nil {
		t.Fatal(err)
	}
	rand.New(rand.NewSource(seed)).Read(tile.Data)
	return tile
}

func residentWeight(st *Store) int64 {
	var sum int64
	for _, tile := range st.ResidentTiles() {
		sum += tile.Weight()
	}
	return sum
}

func checkInvariant(t *testing.T, st *Store) {
	t.Helper()
	if got := st.Remaining() + residentWeight(st); got != st.Capacity() {
		t.Fatalf("remaining %d + resident %d != capacity %d", st.Remaining(), residentWeight(st), st.Capacity())
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return n
}

func TestEvictAndReloadScenario(t *testing.T) {
	st := newTestStore(t, 100, false, fileBackend(t))

	a := filledTile(t, 0, 0, raster.SampleModel{Width: 10, Height: 6, Bands: 1, Type: raster.TypeByte}, 1)
	b := filledTile(t, 10, 0, raster.SampleModel{Width: 10, Height: 5, Bands: 1, Type: raster.TypeByte}, 2)
	want := a.Clone()

	if err := st.Add(0, 0, a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if st.Remaining() != 40 {
		t.Fatalf("remaining = %d, want 40", st.Remaining())
	}
	if err := st.Add(1, 0, b); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if st.Remaining() != 50 {
		t.Fatalf("remaining = %d, want 50", st.Remaining())
	}
	if n := len(st.ResidentTiles()); n != 1 {
		t.Fatalf("resident tiles = %d, want 1", n)
	}

	got, ok, err := st.Get(0, 0)
	if err != nil || !ok {
		t.Fatalf("Get(0,0) = %v, %v", ok, err)
	}
	if !got.Equal(want) {
		t.Fatal("reloaded tile differs from the original")
	}
	checkInvariant(t, st)
}

func TestOversizeTileRejected(t *testing.T) {
	st := newTestStore(t, 99, false, fileBackend(t))

	err := st.Add(0, 0, filledTile(t, 0, 0, testModel, 1))
	if !errors.Is(err, ErrTileTooLarge) {
		t.Fatalf("Add = %v, want ErrTileTooLarge", err)
	}
	if st.Remaining() != 99 || len(st.ResidentTiles()) != 0 {
		t.Fatal("rejected add changed the store")
	}
	if _, ok, _ := st.Get(0, 0); ok {
		t.Fatal("rejected tile is retrievable")
	}
}

func TestFIFOEvictionOrder(t *testing.T) {
	backend := NewMemoryBackend(mustCodec(t))
	st := newTestStore(t, 250, false, backend)

	for i := 0; i < 2; i++ {
		if err := st.Add(i, 0, filledTile(t, i*10, 0, testModel, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	// Reading the oldest tile does not protect it.
	if _, ok, _ := st.Get(0, 0); !ok {
		t.Fatal("tile A missing")
	}
	if err := st.Add(2, 0, filledTile(t, 20, 0, testModel, 2)); err != nil {
		t.Fatal(err)
	}

	resident := st.ResidentTiles()
	if len(resident) != 2 || resident[0].MinX != 10 || resident[1].MinX != 20 {
		t.Fatalf("resident after eviction = %v", origins(resident))
	}
	if !backend.Exists(st.dir.Path(0, 0)) {
		t.Fatal("tile A was not written on eviction")
	}
	if backend.Exists(st.dir.Path(1, 0)) {
		t.Fatal("tile B was written although it is still resident")
	}
	checkInvariant(t, st)
}

func origins(tiles []*raster.Tile) []image.Point {
	out := make([]image.Point, len(tiles))
	for i, tile := range tiles {
		out[i] = image.Pt(tile.MinX, tile.MinY)
	}
	return out
}

func mustCodec(t *testing.T) *tilecodec.Codec {
	t.Helper()
	codec, err := tilecodec.New("deflate")
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

func TestCapacityInvariantUnderRandomOps(t *testing.T) {
	st := newTestStore(t, 450, false, NewMemoryBackend(mustCodec(t)))
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		x, y := rng.Intn(4), rng.Intn(4)
		switch rng.Intn(4) {
		case 0, 1:
			if err := st.Add(x, y, filledTile(t, 0, 0, testModel, int64(i))); err != nil {
				t.Fatalf("Add: %v", err)
			}
		case 2:
			if err := st.Remove(x, y); err != nil {
				t.Fatalf("Remove: %v", err)
			}
		default:
			if _, _, err := st.Get(x, y); err != nil {
				t.Fatalf("Get: %v", err)
			}
		}
		checkInvariant(t, st)
		if st.Remaining() < 0 {
			t.Fatalf("remaining went negative: %d", st.Remaining())
		}
	}
}

func TestClearWipesDisk(t *testing.T) {
	st := newTestStore(t, 100, false, fileBackend(t))
	for i := 0; i < 4; i++ {
		if err := st.Add(i, 1, filledTile(t, 0, 0, testModel, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if n := countFiles(t, st.Dir()); n != 3 {
		t.Fatalf("overflow files = %d, want 3", n)
	}

	if err := st.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n := countFiles(t, st.Dir()); n != 0 {
		t.Fatalf("overflow files after clear = %d", n)
	}
	if st.Remaining() != st.Capacity() || len(st.ResidentTiles()) != 0 {
		t.Fatal("clear left resident tiles")
	}
	if _, ok, _ := st.Get(0, 1); ok {
		t.Fatal("cleared tile still retrievable")
	}
}

func TestRemoveDeletesOverflowFile(t *testing.T) {
	st := newTestStore(t, 100, false, fileBackend(t))
	if err := st.Add(0, 0, filledTile(t, 0, 0, testModel, 1)); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(1, 0, filledTile(t, 0, 0, testModel, 2)); err != nil {
		t.Fatal(err)
	}
	path := st.dir.Path(0, 0)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("evicted tile not on disk: %v", err)
	}

	if err := st.Remove(0, 0); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("overflow file survived remove: %v", err)
	}
	if err := st.Remove(1, 0); err != nil {
		t.Fatal(err)
	}
	if st.Remaining() != 100 {
		t.Fatalf("remaining = %d, want 100", st.Remaining())
	}
}

func TestReloadBeyondCapacity(t *testing.T) {
	for _, writable := range []bool{false, true} {
		st := newTestStore(t, 100, writable, fileBackend(t))
		if err := st.Add(0, 0, filledTile(t, 0, 0, testModel, 1)); err != nil {
			t.Fatal(err)
		}
		if err := st.SetCapacity(50); err != nil {
			t.Fatalf("SetCapacity: %v", err)
		}

		tile, ok, err := st.Get(0, 0)
		if writable {
			if !errors.Is(err, ErrTileTooLarge) || tile != nil {
				t.Fatalf("writable reload beyond capacity = %v, %v", tile, err)
			}
		} else if err != nil || !ok || tile == nil {
			t.Fatalf("read-only reload beyond capacity = %v, %v, %v", tile, ok, err)
		}
		if n := len(st.ResidentTiles()); n != 0 {
			t.Fatalf("writable=%v: %d tiles resident over capacity", writable, n)
		}
		checkInvariant(t, st)
	}
}

func TestAddRejectsShortBuffer(t *testing.T) {
	st := newTestStore(t, 1000, false, fileBackend(t))
	tile := filledTile(t, 0, 0, testModel, 1)
	tile.Data = tile.Data[:60]

	if err := st.Add(0, 0, tile); err == nil {
		t.Fatal("Add accepted a tile with a truncated buffer")
	}
	if st.Remaining() != 1000 || len(st.ResidentTiles()) != 0 {
		t.Fatal("rejected tile was admitted")
	}
}

func TestRewriteOnEvictionDependsOnWritable(t *testing.T) {
	for _, writable := range []bool{false, true} {
		st := newTestStore(t, 100, writable, NewMemoryBackend(mustCodec(t)))
		for _, x := range []int{0, 1, 0, 1} {
			tile, ok, err := st.Get(x, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				tile = filledTile(t, 0, 0, testModel, int64(x))
			}
			if err := st.Add(x, 0, tile); err != nil {
				t.Fatal(err)
			}
		}
		want := uint64(2)
		if writable {
			want = 3
		}
		if got := st.Stats().DiskWrites; got != want {
			t.Fatalf("writable=%v: disk writes = %d, want %d", writable, got, want)
		}
	}
}

func TestWritableTileChangesSurviveEviction(t *testing.T) {
	st := newTestStore(t, 100, true, fileBackend(t))
	tile := filledTile(t, 0, 0, testModel, 1)
	if err := st.Add(0, 0, tile); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(1, 0, filledTile(t, 0, 0, testModel, 2)); err != nil {
		t.Fatal(err)
	}
	first, _, err := st.Get(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	first.SetSample(3, 3, 0, 250)
	if err := st.Add(1, 0, filledTile(t, 0, 0, testModel, 3)); err != nil {
		t.Fatal(err)
	}
	again, ok, err := st.Get(0, 0)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if again.Sample(3, 3, 0) != 250 {
		t.Fatal("modification lost after eviction")
	}
}

type failingBackend struct {
	*MemoryBackend
}

func (b failingBackend) Write(path string, tile *raster.Tile) error {
	return errors.New("disk full")
}

func (b failingBackend) Prepare(dir *quadtree.Directory) error {
	return nil
}

func TestEvictionWriteFailure(t *testing.T) {
	st := newTestStore(t, 100, false, failingBackend{NewMemoryBackend(mustCodec(t))})
	if err := st.Add(0, 0, filledTile(t, 0, 0, testModel, 1)); err != nil {
		t.Fatal(err)
	}
	err := st.Add(1, 0, filledTile(t, 0, 0, testModel, 2))
	if !errors.Is(err, ErrTileIO) {
		t.Fatalf("Add = %v, want ErrTileIO", err)
	}
	var ioErr *TileIOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write" {
		t.Fatalf("error %v is not a write TileIOError", err)
	}
	if n := len(st.ResidentTiles()); n != 2 {
		t.Fatalf("resident tiles = %d, want both kept", n)
	}
	checkInvariant(t, st)
}

func TestSetCapacity(t *testing.T) {
	st := newTestStore(t, 300, false, NewMemoryBackend(mustCodec(t)))
	for i := 0; i < 3; i++ {
		if err := st.Add(i, 0, filledTile(t, 0, 0, testModel, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SetCapacity(150); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}
	if n := len(st.ResidentTiles()); n != 1 {
		t.Fatalf("resident tiles = %d, want 1", n)
	}
	if st.Remaining() != 50 {
		t.Fatalf("remaining = %d, want 50", st.Remaining())
	}

	if err := st.SetCapacity(50); err != nil {
		t.Fatalf("SetCapacity below one tile: %v", err)
	}
	if n := len(st.ResidentTiles()); n != 0 {
		t.Fatalf("resident tiles = %d, want 0", n)
	}
	tile, ok, err := st.Get(2, 0)
	if err != nil || !ok || tile == nil {
		t.Fatalf("Get with tiny capacity = %v, %v", ok, err)
	}
	checkInvariant(t, st)

	if err := st.SetCapacity(-1); !errors.Is(err, ErrTileTooLarge) {
		t.Fatalf("SetCapacity(-1) = %v", err)
	}
}

func TestOriginCorrectedAndGridChecked(t *testing.T) {
	grid := testGrid()
	grid.MinX, grid.MinY = 100, 200
	grid.MinTileX, grid.MinTileY = 3, 4
	st, err := NewStore(StoreConfig{
		ImageID: "shifted", Grid: grid, Model: testModel,
		Dir: t.TempDir(), Capacity: 1000,
	}, NewMemoryBackend(mustCodec(t)), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tile := filledTile(t, 0, 0, testModel, 1)
	if err := st.Add(4, 5, tile); err != nil {
		t.Fatal(err)
	}
	if tile.MinX != 110 || tile.MinY != 210 {
		t.Fatalf("origin = (%d,%d), want (110,210)", tile.MinX, tile.MinY)
	}
	if err := st.Add(2, 4, tile); !errors.Is(err, ErrOutOfGrid) {
		t.Fatalf("Add outside grid = %v", err)
	}
	if _, _, err := st.Get(7, 4); !errors.Is(err, ErrOutOfGrid) {
		t.Fatalf("Get outside grid = %v", err)
	}
}

func TestNewStoreRejectsUnknownSampleType(t *testing.T) {
	model := testModel
	model.Type = raster.SampleType(99)
	_, err := NewStore(StoreConfig{ImageID: "x", Grid: testGrid(), Model: model, Dir: t.TempDir()},
		NewMemoryBackend(mustCodec(t)), zap.NewNop())
	if !errors.Is(err, raster.ErrUnknownSampleType) {
		t.Fatalf("NewStore = %v, want ErrUnknownSampleType", err)
	}
}
