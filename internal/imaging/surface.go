// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// Surface is an externally owned, independently lockable destination for
// decoded pixels.
type Surface interface {
	// Format returns the pixel format of the surface.
	Format() PixelFormat

	// Size returns the pixel dimensions of the surface.
	Size() image.Point

	// Virtual returns whether the surface spans the whole logical
	// image. Rectangles passed to Lock on a virtual surface are in
	// logical image coordinates, otherwise they are relative to the
	// surface origin.
	Virtual() bool

	// Lock locks r for writing and returns the pixel data of r and
	// the number of bytes between vertically adjacent pixels. The
	// first pixel of r is at pix[0].
	Lock(r image.Rectangle) (pix []byte, stride int, err error)

	// Unlock releases the lock obtained by Lock. If updateReady
	// is true, the surface content is complete and may be shown.
	Unlock(updateReady bool) error
}

// FlushHolder is implemented by surfaces that batch their updates. Flushes
// are held while a frame is being copied into a tile set.
type FlushHolder interface {
	HoldFlush()
	ReleaseFlush()
}

// Discarder is implemented by surfaces that can be abandoned by their owner
// while a copy is in progress.
type Discarder interface {
	// Discarded returns whether the surface's owner
	// no longer wants its content.
	Discarded() bool
}

// MemorySurface is a Surface backed by system memory.
type MemorySurface struct {
	mu sync.Mutex

	format  PixelFormat
	size    image.Point
	virtual bool

	pix    []byte
	stride int

	locked    bool
	held      int
	lost      bool
	discarded bool

	locks   int
	updates int
}

// NewMemorySurface returns a MemorySurface with the given format and size.
func NewMemorySurface(format PixelFormat, size image.Point, virtual bool) *MemorySurface {
	stride := format.Stride(size.X)
	return &MemorySurface{
		format:  format,
		size:    size,
		virtual: virtual,
		pix:     make([]byte, stride*size.Y),
		stride:  stride,
	}
}

// Format implements the Surface interface.
func (s *MemorySurface) Format() PixelFormat { return s.format }

// Size implements the Surface interface.
func (s *MemorySurface) Size() image.Point { return s.size }

// Virtual implements the Surface interface.
func (s *MemorySurface) Virtual() bool { return s.virtual }

var errLocked = errors.New("surface already locked")

// Lock implements the Surface interface.
func (s *MemorySurface) Lock(r image.Rectangle) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return nil, 0, ErrDeviceLost
	}
	if s.locked {
		return nil, 0, errLocked
	}
	if r.Empty() || !r.In(image.Rectangle{Max: s.size}) {
		return nil, 0, fmt.Errorf("%w: lock rectangle %v outside surface %v", ErrInvalidArgument, r, s.size)
	}
	s.locked = true
	s.locks++
	off := r.Min.Y*s.stride + s.format.Stride(r.Min.X)
	return s.pix[off:], s.stride, nil
}

// Unlock implements the Surface interface.
func (s *MemorySurface) Unlock(updateReady bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return errors.New("unlock of unlocked surface")
	}
	s.locked = false
	if updateReady {
		s.updates++
	}
	return nil
}

// HoldFlush implements the FlushHolder interface.
func (s *MemorySurface) HoldFlush() {
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
}

// ReleaseFlush implements the FlushHolder interface.
func (s *MemorySurface) ReleaseFlush() {
	s.mu.Lock()
	s.held--
	s.mu.Unlock()
}

// Discarded implements the Discarder interface.
func (s *MemorySurface) Discarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Discard marks the surface as no longer wanted by its owner.
func (s *MemorySurface) Discard() {
	s.mu.Lock()
	s.discarded = true
	s.mu.Unlock()
}

// SetLost marks the surface's device as lost. Subsequent calls to Lock
// return ErrDeviceLost.
func (s *MemorySurface) SetLost(lost bool) {
	s.mu.Lock()
	s.lost = lost
	s.mu.Unlock()
}

// Stats returns the number of successful locks, the number of unlocks
// that signalled a complete update and the current flush hold depth.
func (s *MemorySurface) Stats() (locks, updates, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks, s.updates, s.held
}

// Image returns an image view of the surface content. The returned image
// shares the surface pixels.
func (s *MemorySurface) Image() image.Image {
	r := image.Rectangle{Max: s.size}
	switch s.format {
	case FormatRGBA8:
		return &image.RGBA{Pix: s.pix, Stride: s.stride, Rect: r}
	case FormatRGBA16:
		return &image.RGBA64{Pix: s.pix, Stride: s.stride, Rect: r}
	default:
		panic(fmt.Sprintf("invalid pixel format: %d", s.format))
	}
}

// NewTileGrid returns a set of memory surface tiles of at most tileSize
// partitioning a width×height image. Tiles are ordered row-major.
func NewTileGrid(format PixelFormat, width, height int, tileSize image.Point) []SurfaceTile {
	if tileSize.X <= 0 || tileSize.Y <= 0 {
		tileSize = image.Pt(width, height)
	}
	var tiles []SurfaceTile
	for y := 0; y < height; y += tileSize.Y {
		for x := 0; x < width; x += tileSize.X {
			r := image.Rect(x, y, min(x+tileSize.X, width), min(y+tileSize.Y, height))
			tiles = append(tiles, SurfaceTile{
				Rect:    r,
				Surface: NewMemorySurface(format, r.Size(), false),
			})
		}
	}
	return tiles
}

// ComposeTiles draws the content of the memory surface tiles into a single
// image of the given format and size. Tiles that are not MemorySurfaces
// are ignored.
func ComposeTiles(format PixelFormat, width, height int, tiles []SurfaceTile) image.Image {
	dst := newImage(format, image.Rect(0, 0, width, height))
	for _, t := range tiles {
		s, ok := t.Surface.(*MemorySurface)
		if !ok {
			continue
		}
		src := s.Image()
		sp := image.Point{}
		if s.Virtual() {
			sp = t.Rect.Min
		}
		draw.Draw(dst, t.Rect, src, sp, draw.Src)
	}
	return dst
}
