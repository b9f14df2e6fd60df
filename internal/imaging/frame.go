// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"context"
	"fmt"
	"image"
	"time"
)

// FrameDecoder decodes single frames of an encoded image into the pixel
// format and size requested by decode parameters.
//
// FrameDecoders are not safe for concurrent use.
type FrameDecoder interface {
	// DecodeFrame returns the frame at index and its presentation
	// delay. The returned image is in the requested pixel format and
	// is oriented for display.
	DecodeFrame(ctx context.Context, data *EncodedImageData, params *DecodeParams, index int) (image.Image, time.Duration, error)
}

// NewFrameDecoder returns the FrameDecoder for images described by md. GIF
// images are decoded by a compositing decoder that applies frame disposal,
// vector images are rasterized and all others are decoded as still images.
// If ct is not nil, it is used to convert images with a non-sRGB embedded
// colour profile.
func NewFrameDecoder(md Metadata, ct ColorTransformer) FrameDecoder {
	switch md.Kind {
	case KindGIF:
		return &gifDecoder{index: -1}
	case KindVector:
		return vectorDecoder{}
	default:
		return stillDecoder{ct: ct}
	}
}

// stillDecoder decodes single frame images.
type stillDecoder struct {
	ct ColorTransformer
}

func (d stillDecoder) DecodeFrame(ctx context.Context, data *EncodedImageData, params *DecodeParams, index int) (image.Image, time.Duration, error) {
	if index != 0 {
		return nil, 0, fmt.Errorf("%w: frame %d of still image", ErrInvalidArgument, index)
	}
	md := data.Metadata()
	c, err := data.CreateCodecDecoder()
	if err != nil {
		return nil, 0, err
	}
	size := decodeSize(md, params)

	var f *Frame
	if ns, ok := c.(NativeScaler); ok && !md.IsHDR && !params.NaturalSize() {
		f, err = ns.ScaledFrame(0, ns.ClosestSize(size))
	} else {
		f, err = c.Frame(0)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("decode frame: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	img := scaleImage(f.Image, size, md.IsHDR, params.Format)
	img, converted, err := colorStage(img, f.Profile, params.Format, d.ct)
	if err != nil {
		return nil, 0, err
	}
	if !converted {
		img = convert(img, params.Format, false)
	}
	return orient(img, md.Orientation), 0, nil
}

// vectorDecoder rasterizes vector documents.
type vectorDecoder struct{}

func (vectorDecoder) DecodeFrame(ctx context.Context, data *EncodedImageData, params *DecodeParams, index int) (image.Image, time.Duration, error) {
	if index != 0 {
		return nil, 0, fmt.Errorf("%w: frame %d of vector image", ErrInvalidArgument, index)
	}
	doc := data.Vector()
	if doc == nil {
		return nil, 0, fmt.Errorf("%w: no vector document", ErrInvalidArgument)
	}
	size := decodeSize(data.Metadata(), params)
	dst := newImage(params.Format, image.Rectangle{Max: size})
	err := doc.Render(dst)
	if err != nil {
		return nil, 0, err
	}
	return dst, 0, nil
}
