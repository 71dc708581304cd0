// Package quadtree maps tile grid positions to file paths spread over
// nested directories so no directory holds more than a bounded number of
// tile files.
package quadtree

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const DefaultMaxFilesPerDir = 64

// Directory splits a numX*numY tile grid into quadrants until each leaf
// covers at most MaxFiles tiles. Positions are zero-based.
type Directory struct {
	root     string
	numX     int
	numY     int
	maxFiles int
	ext      string
}

func New(root string, numX, numY, maxFiles int, ext string) (*Directory, error) {
	if numX <= 0 || numY <= 0 {
		return nil, fmt.Errorf("invalid tile grid %dx%d", numX, numY)
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFilesPerDir
	}
	return &Directory{
		root:     root,
		numX:     numX,
		numY:     numY,
		maxFiles: maxFiles,
		ext:      ext,
	}, nil
}

func (d *Directory) Root() string {
	return d.root
}

// Path returns the file path of tile (x, y). The result is deterministic
// for a given grid and bound.
func (d *Directory) Path(x, y int) string {
	parts := []string{d.root}
	d.walk(x, y, func(quadrant int) {
		parts = append(parts, strconv.Itoa(quadrant))
	})
	parts = append(parts, fmt.Sprintf("%d_%d.%s", x, y, d.ext))
	return filepath.Join(parts...)
}

func (d *Directory) walk(x, y int, visit func(quadrant int)) {
	x0, y0, x1, y1 := 0, 0, d.numX, d.numY
	for (x1-x0)*(y1-y0) > d.maxFiles {
		mx, my := split(x0, x1), split(y0, y1)
		q := 0
		if x >= mx {
			q |= 1
			x0 = mx
		} else {
			x1 = mx
		}
		if y >= my {
			q |= 2
			y0 = my
		} else {
			y1 = my
		}
		visit(q)
	}
}

// split returns the midpoint of [lo, hi), or hi when the range cannot be
// divided further so every position falls in the lower half.
func split(lo, hi int) int {
	if hi-lo <= 1 {
		return hi
	}
	return lo + (hi-lo)/2
}

// Tiles is the number of grid positions the directory maps.
func (d *Directory) Tiles() int {
	return d.numX * d.numY
}

// CreateArchitecture creates every leaf directory of the tree. It costs
// one MkdirAll per leaf, roughly Tiles()/MaxFiles calls.
func (d *Directory) CreateArchitecture() error {
	return d.create(d.root, 0, 0, d.numX, d.numY)
}

func (d *Directory) create(dir string, x0, y0, x1, y1 int) error {
	if x1 <= x0 || y1 <= y0 {
		return nil
	}
	if (x1-x0)*(y1-y0) <= d.maxFiles {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create tile directory: %w", err)
		}
		return nil
	}
	mx, my := split(x0, x1), split(y0, y1)
	quads := [4][4]int{
		{x0, y0, mx, my},
		{mx, y0, x1, my},
		{x0, my, mx, y1},
		{mx, my, x1, y1},
	}
	for q, b := range quads {
		if err := d.create(filepath.Join(dir, strconv.Itoa(q)), b[0], b[1], b[2], b[3]); err != nil {
			return err
		}
	}
	return nil
}
