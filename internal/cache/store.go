package cache

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tilevault/internal/quadtree"
	"tilevault/internal/raster"
	"tilevault/internal/tilecodec"
)

type entry struct {
	pos    raster.Position
	tile   *raster.Tile
	weight int64
}

// StoreConfig describes the image a Store caches tiles for.
type StoreConfig struct {
	ImageID        string
	Grid           raster.Grid
	Model          raster.SampleModel
	Writable       bool
	Dir            string
	MaxFilesPerDir int
	Capacity       int64
}

type StoreStats struct {
	ImageID    string `json:"image_id"`
	Capacity   int64  `json:"capacity"`
	Remaining  int64  `json:"remaining"`
	Resident   int    `json:"resident"`
	Evictions  uint64 `json:"evictions"`
	DiskWrites uint64 `json:"disk_writes"`
	Reloads    uint64 `json:"reloads"`
}

// Store holds the tiles of one image within a byte capacity. When the
// capacity is exceeded the oldest inserted tiles are written to the
// backend and dropped from memory. Eviction follows insertion order:
// reading a resident tile does not move it in the queue.
type Store struct {
	mu        sync.Mutex
	id        string
	grid      raster.Grid
	model     raster.SampleModel
	writable  bool
	capacity  int64
	remaining int64
	entries   map[raster.Position]*list.Element
	queue     *list.List
	dir       *quadtree.Directory
	prepared  bool
	closed    bool
	// models of tiles written with a shape other than the image's own
	written   map[raster.Position]raster.SampleModel
	backend   Backend
	logger    *zap.Logger

	evictions  uint64
	diskWrites uint64
	reloads    uint64
}

func NewStore(cfg StoreConfig, backend Backend, logger *zap.Logger) (*Store, error) {
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Grid.Validate(); err != nil {
		return nil, err
	}
	if cfg.Model.Width != cfg.Grid.TileWidth || cfg.Model.Height != cfg.Grid.TileHeight {
		return nil, fmt.Errorf("sample model %dx%d does not match tile size %dx%d",
			cfg.Model.Width, cfg.Model.Height, cfg.Grid.TileWidth, cfg.Grid.TileHeight)
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("invalid capacity %d", cfg.Capacity)
	}

	dir, err := quadtree.New(cfg.Dir, cfg.Grid.NumXTiles(), cfg.Grid.NumYTiles(), cfg.MaxFilesPerDir, tilecodec.Ext)
	if err != nil {
		return nil, err
	}

	return &Store{
		id:        cfg.ImageID,
		grid:      cfg.Grid,
		model:     cfg.Model,
		writable:  cfg.Writable,
		capacity:  cfg.Capacity,
		remaining: cfg.Capacity,
		entries:   make(map[raster.Position]*list.Element),
		queue:     list.New(),
		written:   make(map[raster.Position]raster.SampleModel),
		dir:       dir,
		backend:   backend,
		logger:    logger.With(zap.String("image", cfg.ImageID)),
	}, nil
}

// normalize must be called with s.mu held.
func (s *Store) normalize(gridX, gridY int) (raster.Position, error) {
	if s.closed {
		return raster.Position{}, fmt.Errorf("%w: %s", ErrUnregisteredImage, s.id)
	}
	p, ok := s.grid.Normalize(gridX, gridY)
	if !ok {
		return p, fmt.Errorf("%w: tile (%d,%d)", ErrOutOfGrid, gridX, gridY)
	}
	return p, nil
}

// Add stores tile at absolute grid position (gridX, gridY). A tile whose
// origin does not match its grid cell is moved to the right origin.
func (s *Store) Add(gridX, gridY int, tile *raster.Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %s", ErrUnregisteredImage, s.id)
	}
	weight := tile.Weight()
	if weight > s.capacity {
		return fmt.Errorf("%w: tile (%d,%d) weighs %d bytes, capacity is %d",
			ErrTileTooLarge, gridX, gridY, weight, s.capacity)
	}
	if err := tile.Model.Validate(); err != nil {
		return err
	}
	if int64(len(tile.Data)) != weight {
		return fmt.Errorf("tile (%d,%d) holds %d bytes, its sample model needs %d",
			gridX, gridY, len(tile.Data), weight)
	}
	if tile.Model.Type != s.model.Type || tile.Model.Bands != s.model.Bands {
		return fmt.Errorf("tile (%d,%d) has %s/%d bands, image has %s/%d bands",
			gridX, gridY, tile.Model.Type, tile.Model.Bands, s.model.Type, s.model.Bands)
	}
	p, err := s.normalize(gridX, gridY)
	if err != nil {
		return err
	}

	if o := s.grid.Origin(p); tile.MinX != o.X || tile.MinY != o.Y {
		s.logger.Debug("Correcting tile origin",
			zap.Stringer("tile", p),
			zap.Int("min_x", tile.MinX), zap.Int("min_y", tile.MinY),
			zap.Int("expected_x", o.X), zap.Int("expected_y", o.Y))
		tile.MinX, tile.MinY = o.X, o.Y
	}

	s.admit(p, tile, weight)
	return s.checkCapacity()
}

func (s *Store) admit(p raster.Position, tile *raster.Tile, weight int64) {
	if elem, ok := s.entries[p]; ok {
		s.remaining += elem.Value.(*entry).weight
		s.queue.Remove(elem)
	}
	s.entries[p] = s.queue.PushBack(&entry{pos: p, tile: tile, weight: weight})
	s.remaining -= weight
}

// checkCapacity evicts the oldest resident tiles until the store fits.
func (s *Store) checkCapacity() error {
	for s.remaining < 0 {
		elem := s.queue.Front()
		if elem == nil {
			return fmt.Errorf("%w: %d bytes over capacity with no resident tiles", ErrTileTooLarge, -s.remaining)
		}
		e := elem.Value.(*entry)
		s.queue.Remove(elem)
		delete(s.entries, e.pos)
		s.remaining += e.weight

		if err := s.persist(e); err != nil {
			s.entries[e.pos] = s.queue.PushFront(e)
			s.remaining -= e.weight
			return err
		}
		s.evictions++
		s.logger.Debug("Evicted tile", zap.Stringer("tile", e.pos), zap.Int64("remaining", s.remaining))
	}
	return nil
}

func (s *Store) persist(e *entry) error {
	path := s.dir.Path(e.pos.X, e.pos.Y)
	if !s.writable && s.backend.Exists(path) {
		return nil
	}
	if !s.prepared {
		if err := s.backend.Prepare(s.dir); err != nil {
			return &TileIOError{Op: "prepare", Path: s.dir.Root(), Err: err}
		}
		s.prepared = true
	}
	if err := s.backend.Write(path, e.tile); err != nil {
		s.logger.Error("Failed to write evicted tile", zap.String("path", path), zap.Error(err))
		return &TileIOError{Op: "write", Path: path, Err: err}
	}
	s.diskWrites++
	if e.tile.Model != s.model {
		s.written[e.pos] = e.tile.Model
	} else {
		delete(s.written, e.pos)
	}
	return nil
}

// Remove drops the tile from memory without writing it and deletes any
// overflow file for it.
func (s *Store) Remove(gridX, gridY int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.normalize(gridX, gridY)
	if err != nil {
		return err
	}
	if elem, ok := s.entries[p]; ok {
		s.remaining += elem.Value.(*entry).weight
		s.queue.Remove(elem)
		delete(s.entries, p)
	}
	delete(s.written, p)

	path := s.dir.Path(p.X, p.Y)
	if s.backend.Exists(path) {
		if err := s.backend.Remove(path); err != nil {
			return &TileIOError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}

// Get returns the tile at (gridX, gridY), reloading it from the backend
// when it was evicted. ok is false if the tile was never stored.
func (s *Store) Get(gridX, gridY int) (*raster.Tile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.normalize(gridX, gridY)
	if err != nil {
		return nil, false, err
	}
	if elem, ok := s.entries[p]; ok {
		return elem.Value.(*entry).tile, true, nil
	}

	path := s.dir.Path(p.X, p.Y)
	if !s.backend.Exists(path) {
		return nil, false, nil
	}
	o := s.grid.Origin(p)
	model := s.model
	if m, ok := s.written[p]; ok {
		model = m
	}
	tile, err := s.backend.Read(path, o.X, o.Y, model)
	if err != nil {
		s.logger.Error("Failed to reload tile", zap.String("path", path), zap.Error(err))
		return nil, false, &TileIOError{Op: "read", Path: path, Err: err}
	}
	s.reloads++

	// A capacity that shrank below one tile serves a read-only tile without
	// keeping it. Edits to an unkept writable tile would be lost.
	if tile.Weight() > s.capacity {
		if s.writable {
			return nil, true, fmt.Errorf("%w: tile (%d,%d) weighs %d bytes, capacity is %d",
				ErrTileTooLarge, gridX, gridY, tile.Weight(), s.capacity)
		}
		return tile, true, nil
	}
	s.admit(p, tile, tile.Weight())
	if err := s.checkCapacity(); err != nil {
		return tile, true, err
	}
	return tile, true, nil
}

// ResidentTiles returns the tiles currently in memory, oldest first.
func (s *Store) ResidentTiles() []*raster.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiles := make([]*raster.Tile, 0, s.queue.Len())
	for elem := s.queue.Front(); elem != nil; elem = elem.Next() {
		tiles = append(tiles, elem.Value.(*entry).tile)
	}
	return tiles
}

// Clear drops every tile and removes the overflow directory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clear()
}

// close clears the store for good: later Add, Get and Remove calls fail
// with ErrUnregisteredImage instead of writing under a removed directory.
func (s *Store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return s.clear()
}

func (s *Store) clear() error {
	s.entries = make(map[raster.Position]*list.Element)
	s.queue = list.New()
	s.written = make(map[raster.Position]raster.SampleModel)
	s.remaining = s.capacity
	s.prepared = false

	if err := s.backend.RemoveAll(s.dir.Root()); err != nil {
		return &TileIOError{Op: "clear", Path: s.dir.Root(), Err: err}
	}
	return nil
}

// SetCapacity changes the byte capacity, evicting tiles if it shrank.
func (s *Store) SetCapacity(capacity int64) error {
	if capacity < 0 {
		return fmt.Errorf("%w: negative capacity %d", ErrTileTooLarge, capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaining += capacity - s.capacity
	s.capacity = capacity
	return s.checkCapacity()
}

func (s *Store) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.capacity
}

func (s *Store) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remaining
}

// Dir is the root of the store's overflow directory.
func (s *Store) Dir() string {
	return s.dir.Root()
}

func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StoreStats{
		ImageID:    s.id,
		Capacity:   s.capacity,
		Remaining:  s.remaining,
		Resident:   s.queue.Len(),
		Evictions:  s.evictions,
		DiskWrites: s.diskWrites,
		Reloads:    s.reloads,
	}
}
