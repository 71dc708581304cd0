package cache

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilevault/internal/raster"
)

type ManagerConfig struct {
	// Budget is the number of bytes shared by every registered image.
	Budget int64
	// Root is the directory under which each image gets its overflow directory.
	Root           string
	MaxFilesPerDir int
}

// TileResult is the outcome of one element of a batch operation.
type TileResult struct {
	Position raster.Position
	Tile     *raster.Tile
	Found    bool
	Err      error
}

// Manager owns one Store per registered image and splits a global byte
// budget evenly between them.
type Manager struct {
	mu      sync.RWMutex
	cfg     ManagerConfig
	backend Backend
	stores  map[string]*Store
	logger  *zap.Logger
}

func NewManager(cfg ManagerConfig, backend Backend, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		backend: backend,
		stores:  make(map[string]*Store),
		logger:  logger,
	}
}

// Register returns the store of img, creating it and rebalancing the
// other stores if img is new.
func (m *Manager) Register(img Image) (*Store, error) {
	id := img.ImageID()

	m.mu.RLock()
	st, ok := m.stores[id]
	m.mu.RUnlock()
	if ok {
		return st, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[id]; ok {
		return st, nil
	}

	share := m.cfg.Budget / int64(len(m.stores)+1)
	st, err := NewStore(StoreConfig{
		ImageID:        id,
		Grid:           img.Grid(),
		Model:          img.SampleModel(),
		Writable:       img.Writable(),
		Dir:            filepath.Join(m.cfg.Root, id),
		MaxFilesPerDir: m.cfg.MaxFilesPerDir,
		Capacity:       share,
	}, m.backend, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for image %s: %w", id, err)
	}
	if err := m.rebalance(share); err != nil {
		if len(m.stores) > 0 {
			err = multierr.Append(err, m.rebalance(m.cfg.Budget/int64(len(m.stores))))
		}
		return nil, err
	}
	m.stores[id] = st

	m.logger.Info("Registered image",
		zap.String("image", id),
		zap.Int("images", len(m.stores)),
		zap.Int64("capacity_per_image", share),
	)
	return st, nil
}

// rebalance must be called with m.mu held.
func (m *Manager) rebalance(share int64) error {
	var errs error
	for id, st := range m.stores {
		if err := st.SetCapacity(share); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("image %s: %w", id, err))
		}
	}
	return errs
}

func (m *Manager) lookup(img Image) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stores[img.ImageID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredImage, img.ImageID())
	}
	return st, nil
}

// Store returns the registered store of img.
func (m *Manager) Store(img Image) (*Store, error) {
	return m.lookup(img)
}

func (m *Manager) AddTile(img Image, gridX, gridY int, tile *raster.Tile) error {
	st, err := m.Register(img)
	if err != nil {
		return err
	}
	return st.Add(gridX, gridY, tile)
}

func (m *Manager) RemoveTile(img Image, gridX, gridY int) error {
	st, err := m.lookup(img)
	if err != nil {
		return err
	}
	return st.Remove(gridX, gridY)
}

func (m *Manager) GetTile(img Image, gridX, gridY int) (*raster.Tile, bool, error) {
	st, err := m.lookup(img)
	if err != nil {
		return nil, false, err
	}
	return st.Get(gridX, gridY)
}

// GetTiles fetches every position; failures are reported per element.
func (m *Manager) GetTiles(img Image, positions []raster.Position) ([]TileResult, error) {
	st, err := m.lookup(img)
	if err != nil {
		return nil, err
	}

	results := make([]TileResult, len(positions))
	for i, p := range positions {
		tile, found, err := st.Get(p.X, p.Y)
		results[i] = TileResult{Position: p, Tile: tile, Found: found, Err: err}
	}
	return results, nil
}

// AddTiles adds tiles[i] at positions[i]; failures are reported per element.
func (m *Manager) AddTiles(img Image, positions []raster.Position, tiles []*raster.Tile) ([]TileResult, error) {
	if len(positions) != len(tiles) {
		return nil, fmt.Errorf("got %d positions for %d tiles", len(positions), len(tiles))
	}
	st, err := m.Register(img)
	if err != nil {
		return nil, err
	}

	results := make([]TileResult, len(positions))
	for i, p := range positions {
		err := st.Add(p.X, p.Y, tiles[i])
		results[i] = TileResult{Position: p, Tile: tiles[i], Found: err == nil, Err: err}
	}
	return results, nil
}

// DropImage clears the store of img, deregisters it and gives its share
// of the budget back to the remaining images.
func (m *Manager) DropImage(img Image) error {
	id := img.ImageID()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stores[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredImage, id)
	}
	delete(m.stores, id)

	err := st.close()
	if len(m.stores) > 0 {
		err = multierr.Append(err, m.rebalance(m.cfg.Budget/int64(len(m.stores))))
	}

	m.logger.Info("Dropped image", zap.String("image", id), zap.Int("images", len(m.stores)))
	return err
}

// SetGlobalCapacity changes the shared budget and rebalances every store.
func (m *Manager) SetGlobalCapacity(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid cache budget %d", bytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.Budget = bytes
	if len(m.stores) == 0 {
		return nil
	}
	share := bytes / int64(len(m.stores))
	m.logger.Info("Rebalancing cache",
		zap.Int64("budget", bytes),
		zap.Int("images", len(m.stores)),
		zap.Int64("capacity_per_image", share),
	)
	return m.rebalance(share)
}

func (m *Manager) Capacity() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cfg.Budget
}

// Stats returns per-image statistics sorted by image id.
func (m *Manager) Stats() []StoreStats {
	m.mu.RLock()
	stores := make([]*Store, 0, len(m.stores))
	for _, st := range m.stores {
		stores = append(stores, st)
	}
	m.mu.RUnlock()

	stats := make([]StoreStats, len(stores))
	for i, st := range stores {
		stats[i] = st.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ImageID < stats[j].ImageID })
	return stats
}

// Close clears and deregisters every image.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for id, st := range m.stores {
		errs = multierr.Append(errs, st.close())
		delete(m.stores, id)
	}
	return errs
}
