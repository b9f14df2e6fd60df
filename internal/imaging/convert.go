// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// drawImage is a pixel destination.
type drawImage = draw.Image

// ColorTransformer converts pixels encoded against an embedded ICC profile
// into sRGB.
type ColorTransformer interface {
	// TransformToSRGB returns img converted to sRGB in the
	// requested pixel format.
	TransformToSRGB(img image.Image, profile []byte, format PixelFormat) (image.Image, error)
}

// colorStage applies ct to img if the profile is present and is not a
// recognized sRGB profile. It returns whether the transform was applied.
func colorStage(img image.Image, profile []byte, format PixelFormat, ct ColorTransformer) (image.Image, bool, error) {
	if ct == nil || len(profile) == 0 || IsKnownSRGBProfile(profile) {
		return img, false, nil
	}
	dst, err := ct.TransformToSRGB(img, profile, format)
	if err != nil {
		return nil, false, fmt.Errorf("colour transform: %w", err)
	}
	return dst, true, nil
}

// convert returns img in the requested format with its origin at zero. If
// img already satisfies this and clone is false, it is returned unaltered.
func convert(img image.Image, format PixelFormat, clone bool) image.Image {
	b := img.Bounds()
	if f, ok := formatOf(img); ok && f == format && b.Min == (image.Point{}) && !clone {
		return img
	}
	dst := newImage(format, image.Rectangle{Max: b.Size()})
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// orient returns img transformed for display according to o. The img must
// be in one of the target formats with its origin at zero.
func orient(img image.Image, o Orientation) image.Image {
	if o.IsIdentity() {
		return img
	}
	pix, stride, format := pixelsOf(img)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	dw, dh := w, h
	if o.SwapsDimensions() {
		dw, dh = h, w
	}
	dst := newImage(format, image.Rect(0, 0, dw, dh))
	dpix, dstride, _ := pixelsOf(dst)
	bpp := format.BytesPerPixel()
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			var sx, sy int
			switch o {
			case OrientationFlipH:
				sx, sy = w-1-x, y
			case OrientationRotate180:
				sx, sy = w-1-x, h-1-y
			case OrientationFlipV:
				sx, sy = x, h-1-y
			case OrientationTranspose:
				sx, sy = y, x
			case OrientationRotate90:
				sx, sy = y, h-1-x
			case OrientationTransverse:
				sx, sy = w-1-y, h-1-x
			case OrientationRotate270:
				sx, sy = w-1-y, x
			}
			d := y*dstride + x*bpp
			s := sy*stride + sx*bpp
			copy(dpix[d:d+bpp], pix[s:s+bpp])
		}
	}
	return dst
}
