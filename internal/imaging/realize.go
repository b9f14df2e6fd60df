// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"context"
	"image"
	"log/slog"
)

// SoftwareBitmap is a realized frame in system memory.
type SoftwareBitmap struct {
	// Image is an *image.RGBA or *image.RGBA64
	// depending on Format.
	Image  image.Image
	Format PixelFormat

	// Opaque indicates the image has no
	// transparent pixels.
	Opaque bool
}

// Size returns the dimensions of the bitmap.
func (b *SoftwareBitmap) Size() image.Point {
	return b.Image.Bounds().Size()
}

// LogValue implements slog.LogValuer.
func (b *SoftwareBitmap) LogValue() slog.Value {
	if b == nil {
		return slog.StringValue("<nil>")
	}
	sz := b.Size()
	return slog.GroupValue(
		slog.String("format", b.Format.String()),
		slog.Int("width", sz.X),
		slog.Int("height", sz.Y),
		slog.Bool("opaque", b.Opaque),
	)
}

// RealizeBitmapSource materializes frame for params. If params has no
// destination tiles, the frame is copied into a new SoftwareBitmap.
// Otherwise the frame is written into the tiles and a nil bitmap is
// returned.
//
// If the tile copy is abandoned because ctx is done, the returned error
// wraps ErrAborted.
func RealizeBitmapSource(ctx context.Context, md Metadata, frame image.Image, params *DecodeParams, opts CopyOptions) (*SoftwareBitmap, error) {
	tiles := params.Tiles()
	if len(tiles) == 0 {
		return &SoftwareBitmap{
			Image:  convert(frame, params.Format, true),
			Format: params.Format,
			Opaque: !md.SupportsAlpha,
		}, nil
	}
	src := convert(frame, params.Format, false)
	return nil, copyToTiles(ctx, src, tiles, !md.Orientation.IsIdentity(), opts)
}
