package cache

import (
	"errors"
	"fmt"
)

var (
	ErrTileTooLarge      = errors.New("tile exceeds cache capacity")
	ErrUnregisteredImage = errors.New("image is not registered")
	ErrOutOfGrid         = errors.New("tile outside image grid")
	ErrTileIO            = errors.New("tile i/o failed")
)

// TileIOError wraps a failure reading, writing or deleting tile files.
type TileIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TileIOError) Error() string {
	return fmt.Sprintf("tile %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TileIOError) Unwrap() error {
	return e.Err
}

func (e *TileIOError) Is(target error) bool {
	return target == ErrTileIO
}
