// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"context"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"
)

// gifDecoder composites animated GIF frames onto a canvas, applying
// the frame disposal methods.
//
// Frames are composed in order. A request for a frame at or before the
// last composed frame restarts composition from the first frame.
type gifDecoder struct {
	container Container

	// current is the composed canvas and saved
	// holds the canvas prior to the last frame
	// with previous disposal.
	current, saved *image.RGBA

	// index is the index of the last frame
	// composed onto current, -1 after reset.
	index int
	delay time.Duration

	// prevRect and prevDisposal are the bounds
	// and disposal of the frame at index.
	prevRect     image.Rectangle
	prevDisposal Disposal
}

func (d *gifDecoder) DecodeFrame(ctx context.Context, data *EncodedImageData, params *DecodeParams, index int) (image.Image, time.Duration, error) {
	md := data.Metadata()
	if index < 0 || index >= md.FrameCount {
		return nil, 0, fmt.Errorf("%w: frame %d out of range [0,%d)", ErrInvalidArgument, index, md.FrameCount)
	}
	if d.container == nil || index < d.index {
		err := d.reset(data, md)
		if err != nil {
			return nil, 0, err
		}
	}
	for i := d.index + 1; i <= index; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		f, err := d.container.Frame(i)
		if err != nil {
			// Force a reset on the next request.
			d.container = nil
			return nil, 0, fmt.Errorf("decode frame %d: %w", i, err)
		}
		d.compose(f)
		d.index = i
	}
	img := scaleImage(d.current, decodeSize(md, params), false, params.Format)
	return convert(img, params.Format, img == image.Image(d.current)), d.delay, nil
}

// reset reinitializes the compositor state with a new container.
func (d *gifDecoder) reset(data *EncodedImageData, md Metadata) error {
	c, err := data.CreateCodecDecoder()
	if err != nil {
		return err
	}
	canvas := image.Rect(0, 0, md.Width, md.Height)
	if d.current == nil || !d.current.Bounds().Eq(canvas) {
		d.current = image.NewRGBA(canvas)
		d.saved = image.NewRGBA(canvas)
	} else {
		clear(d.current.Pix)
		clear(d.saved.Pix)
	}
	d.container = c
	d.index = -1
	d.delay = 0
	d.prevRect = image.Rectangle{}
	d.prevDisposal = DisposalUndefined
	return nil
}

// compose applies the disposal of the previous frame and then draws f
// onto the canvas.
func (d *gifDecoder) compose(f *Frame) {
	switch d.prevDisposal {
	case DisposalBackground:
		draw.Draw(d.current, d.prevRect, image.Transparent, image.Point{}, draw.Src)
	case DisposalPrevious:
		d.current, d.saved = d.saved, d.current
	}

	if f.Disposal == DisposalPrevious {
		copy(d.saved.Pix, d.current.Pix)
	}
	r := f.Rect.Intersect(d.current.Bounds())
	if f.SupportsAlpha {
		// Transparent palette entries leave the canvas intact.
		draw.Draw(d.current, r, f.Image, r.Min, draw.Over)
	} else {
		draw.Draw(d.current, r, f.Image, r.Min, draw.Src)
	}

	d.prevRect = r
	d.prevDisposal = f.Disposal
	d.delay = f.Delay
}
