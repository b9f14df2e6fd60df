// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
)

const (
	// DefaultCopyBudget is the default number of source bytes copied
	// into destination tiles per strip.
	DefaultCopyBudget = 1 << 20

	// DefaultRotatedCopyBudget is the default strip budget used when
	// the frame has a non-identity orientation.
	DefaultRotatedCopyBudget = 8 << 20
)

// CopyOptions controls strip batching for tiled copies.
type CopyOptions struct {
	// Budget is the number of bytes per strip for single tile copies.
	// If zero, DefaultCopyBudget is used.
	Budget int

	// RotatedBudget is the number of bytes per strip used when the
	// frame was oriented. If zero, DefaultRotatedCopyBudget is used.
	RotatedBudget int
}

func (o CopyOptions) budget(oriented bool) int {
	if oriented {
		if o.RotatedBudget > 0 {
			return o.RotatedBudget
		}
		return DefaultRotatedCopyBudget
	}
	if o.Budget > 0 {
		return o.Budget
	}
	return DefaultCopyBudget
}

// copyToTiles writes src into the destination tiles in horizontal strips.
// Each strip is sized by the copy budget for a single tile and by the tile
// height for a tile grid. A tile is locked only for the part of the strip
// that it covers and is signalled complete on the strip that finishes it.
//
// The context is checked before each strip; if it is done the copy is
// abandoned and ErrAborted is returned. Tiles whose surface reports that
// it has been discarded are skipped. Device loss reported by a surface is
// returned unwrapped.
//
// Tile geometry that is inconsistent with src is a programming error and
// causes a panic.
func copyToTiles(ctx context.Context, src image.Image, tiles []SurfaceTile, oriented bool, opts CopyOptions) error {
	pix, stride, format := pixelsOf(src)
	size := src.Bounds().Size()

	lines := stripHeight(format, size, tiles, oriented, opts)
	validateTiles(format, size, tiles, lines)

	for _, t := range tiles {
		if h, ok := t.Surface.(FlushHolder); ok {
			h.HoldFlush()
			defer h.ReleaseFlush()
		}
	}

	bpp := format.BytesPerPixel()
	for y := 0; y < size.Y; y += lines {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
		}
		strip := image.Rect(0, y, size.X, min(y+lines, size.Y))
		for _, t := range tiles {
			part := strip.Intersect(t.Rect)
			if part.Empty() {
				continue
			}
			if d, ok := t.Surface.(Discarder); ok && d.Discarded() {
				continue
			}
			lock := part
			if !t.Surface.Virtual() {
				lock = part.Sub(t.Rect.Min)
			}
			dst, dstStride, err := t.Surface.Lock(lock)
			if err != nil {
				if errors.Is(err, ErrDeviceLost) {
					return err
				}
				return fmt.Errorf("lock tile %v: %w", t.Rect, err)
			}
			n := part.Dx() * bpp
			for row := part.Min.Y; row < part.Max.Y; row++ {
				s := row*stride + part.Min.X*bpp
				d := (row - part.Min.Y) * dstStride
				copy(dst[d:d+n], pix[s:s+n])
			}
			err = t.Surface.Unlock(strip.Max.Y >= t.Rect.Max.Y)
			if err != nil {
				if errors.Is(err, ErrDeviceLost) {
					return err
				}
				return fmt.Errorf("unlock tile %v: %w", t.Rect, err)
			}
		}
	}
	return nil
}

// stripHeight returns the number of rows copied per strip.
func stripHeight(format PixelFormat, size image.Point, tiles []SurfaceTile, oriented bool, opts CopyOptions) int {
	if len(tiles) > 1 {
		return tiles[0].Rect.Dy()
	}
	lines := opts.budget(oriented) / format.Stride(size.X)
	return min(max(lines, 1), size.Y)
}

// validateTiles panics if the tiles do not form a regular partition of a
// frame of the given size and format.
func validateTiles(format PixelFormat, size image.Point, tiles []SurfaceTile, lines int) {
	if len(tiles) == 0 {
		panic("no destination tiles")
	}
	frame := image.Rectangle{Max: size}
	var perRow int
	for _, t := range tiles {
		if t.Rect.Min.Y == tiles[0].Rect.Min.Y {
			perRow++
		}
	}
	rows := (size.Y + lines - 1) / lines
	if len(tiles) > 1 && perRow*rows != len(tiles) {
		panic(fmt.Sprintf("tile grid %d×%d does not match tile count %d", perRow, rows, len(tiles)))
	}
	for _, t := range tiles {
		if got := t.Surface.Format(); got != format {
			panic(fmt.Sprintf("tile %v format %v does not match frame format %v", t.Rect, got, format))
		}
		if t.Rect.Min.Y%lines != 0 {
			panic(fmt.Sprintf("tile %v not aligned to %d row strips", t.Rect, lines))
		}
		if t.Rect.Max.Y < size.Y && t.Rect.Dy() < lines {
			panic(fmt.Sprintf("tile %v shorter than %d row strip", t.Rect, lines))
		}
		if t.Surface.Virtual() {
			if got := t.Surface.Size(); got != size {
				panic(fmt.Sprintf("virtual tile surface size %v does not match frame size %v", got, size))
			}
		} else if got := t.Surface.Size(); got != t.Rect.Size() {
			panic(fmt.Sprintf("tile %v does not match surface size %v", t.Rect, got))
		}
		if !t.Rect.In(frame) {
			panic(fmt.Sprintf("tile %v outside frame %v", t.Rect, frame))
		}
	}
}

// pixelsOf returns the pixel data of img which must be in one of the target
// formats.
func pixelsOf(img image.Image) (pix []byte, stride int, format PixelFormat) {
	switch img := img.(type) {
	case *image.RGBA:
		return img.Pix, img.Stride, FormatRGBA8
	case *image.RGBA64:
		return img.Pix, img.Stride, FormatRGBA16
	default:
		panic(fmt.Sprintf("invalid source image type: %T", img))
	}
}
