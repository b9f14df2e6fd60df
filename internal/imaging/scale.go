// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Filter is a scaling filter.
type Filter int

const (
	// FilterNone indicates no scaling is needed.
	FilterNone Filter = iota
	// FilterLinear is a low cost bilinear filter.
	FilterLinear
	// FilterHighQuality is a Lanczos filter.
	FilterHighQuality
)

func (f Filter) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterLinear:
		return "linear"
	case FilterHighQuality:
		return "high-quality"
	default:
		return fmt.Sprintf("filter(%d)", int(f))
	}
}

// ChooseFilter returns the filter used to scale an image of size src to
// size dst. The linear filter is used unless the image is being reduced
// to less than half its size on either axis or the source is HDR.
func ChooseFilter(src, dst image.Point, hdr bool) Filter {
	if src == dst {
		return FilterNone
	}
	if hdr {
		return FilterHighQuality
	}
	if dst.X*2 >= src.X && dst.Y*2 >= src.Y {
		return FilterLinear
	}
	return FilterHighQuality
}

// scaleImage returns src scaled to size. Linear scaling writes directly
// into an image of the provided format. High quality scaling returns the
// scaler's native output which may need conversion.
func scaleImage(src image.Image, size image.Point, hdr bool, format PixelFormat) image.Image {
	sr := src.Bounds()
	switch ChooseFilter(sr.Size(), size, hdr) {
	case FilterLinear:
		dst := newImage(format, image.Rectangle{Max: size})
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
		return dst
	case FilterHighQuality:
		return resize.Resize(uint(size.X), uint(size.Y), src, resize.Lanczos3)
	default:
		return src
	}
}

// CalculateScaledSize returns the decode size for the requested width and
// height in the stored pixel orientation of the image described by md. A
// zero width or height is filled in preserving the aspect ratio. If clamp
// is true, the non-zero requested dimension is limited to the image size
// before the other is derived. At least one of width and height must be
// non-zero.
func CalculateScaledSize(md Metadata, width, height int, clamp bool) image.Point {
	mw, mh := md.Width, md.Height
	if md.DimensionsSwapped() {
		width, height = height, width
		mw, mh = mh, mw
	}
	if width == 0 && height == 0 {
		panic("scaled size requested with no dimensions")
	}
	switch {
	case width == 0:
		if clamp {
			height = min(height, mh)
		}
		width = int(math.Round(float64(mw) * float64(height) / float64(mh)))
	case height == 0:
		if clamp {
			width = min(width, mw)
		}
		height = int(math.Round(float64(mh) * float64(width) / float64(mw)))
	}
	return image.Pt(width, height)
}

// decodeSize returns the size in the stored pixel orientation that a frame
// is decoded to for params.
func decodeSize(md Metadata, params *DecodeParams) image.Point {
	if params.NaturalSize() {
		if md.DimensionsSwapped() {
			return image.Pt(md.Height, md.Width)
		}
		return image.Pt(md.Width, md.Height)
	}
	return CalculateScaledSize(md, params.Width, params.Height, false)
}
