// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"fmt"
	"image"
	"math"
	"sync"
)

// EncodedImageData holds encoded image bytes and the metadata parsed from
// them. Metadata is parsed at most once. Codec containers are handed out
// for single use since a container is stateful and cannot serve two
// decodes at once.
//
// EncodedImageData is safe for concurrent use.
type EncodedImageData struct {
	raw   *RawData
	codec Codec
	scale int

	mu        sync.Mutex
	parsed    bool
	md        Metadata
	container Container
	doc       VectorDocument
}

// NewEncodedImageData returns an EncodedImageData for raw using codec. If
// codec is nil, StdCodec is used.
func NewEncodedImageData(raw *RawData, codec Codec) *EncodedImageData {
	if codec == nil {
		codec = StdCodec{}
	}
	return &EncodedImageData{raw: raw, codec: codec, scale: 100}
}

// WithScale sets the resource scale percentage reported in the metadata.
// It must be called before Parse.
func (d *EncodedImageData) WithScale(percent int) *EncodedImageData {
	if percent > 0 {
		d.scale = percent
	}
	return d
}

// Raw returns the encoded data.
func (d *EncodedImageData) Raw() *RawData { return d.raw }

// Parse parses the image metadata. Vector content is opened with gc and
// rasterized at its declared size, reduced to fit within maxSize if that
// is not zero. Calls after a successful parse are no-ops.
//
// Errors from gc are returned without wrapping so that device loss can be
// detected by the caller.
func (d *EncodedImageData) Parse(gc GraphicsContext, maxSize image.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.parsed {
		return nil
	}

	b := d.raw.Bytes()
	if DetectKind(b) == KindVector {
		return d.parseVector(gc, b, maxSize)
	}

	c, err := d.codec.Open(b)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	md, err := c.Metadata()
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if md.Width <= 0 || md.Height <= 0 {
		return fmt.Errorf("%w: invalid image dimensions %d×%d", ErrInvalidArgument, md.Width, md.Height)
	}
	md.Scale = d.scale
	d.md = md
	d.container = c
	d.parsed = true
	return nil
}

func (d *EncodedImageData) parseVector(gc GraphicsContext, b []byte, maxSize image.Point) error {
	if gc == nil {
		return fmt.Errorf("%w: vector content requires a graphics context", ErrInvalidArgument)
	}
	doc, err := gc.OpenVector(b)
	if err != nil {
		return err
	}
	w, h, err := vectorSize(doc, maxSize)
	if err != nil {
		return err
	}
	d.md = Metadata{
		Kind:          KindVector,
		Width:         w,
		Height:        h,
		Scale:         d.scale,
		FrameCount:    1,
		LoopCount:     1,
		Orientation:   OrientationNormal,
		SupportsAlpha: true,
	}
	d.doc = doc
	d.parsed = true
	return nil
}

// vectorSize returns the raster size for doc. The declared size is reduced
// to fit within maxSize, preserving aspect ratio, when maxSize is not zero.
// An undeclared size takes maxSize.
func vectorSize(doc VectorDocument, maxSize image.Point) (width, height int, err error) {
	iw, ih := doc.IntrinsicSize()
	if iw <= 0 || ih <= 0 {
		if maxSize.X <= 0 && maxSize.Y <= 0 {
			return 0, 0, fmt.Errorf("%w: vector document has no size and no bound was provided", ErrInvalidArgument)
		}
		w, h := maxSize.X, maxSize.Y
		if w <= 0 {
			w = h
		}
		if h <= 0 {
			h = w
		}
		return w, h, nil
	}
	f := 1.0
	if maxSize.X > 0 {
		f = min(f, float64(maxSize.X)/iw)
	}
	if maxSize.Y > 0 {
		f = min(f, float64(maxSize.Y)/ih)
	}
	return max(1, int(math.Round(iw*f))), max(1, int(math.Round(ih*f))), nil
}

// IsParsed returns whether the metadata has been parsed.
func (d *EncodedImageData) IsParsed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parsed
}

// Metadata returns the parsed metadata. It panics if Parse has not
// succeeded.
func (d *EncodedImageData) Metadata() Metadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.parsed {
		panic("metadata requested before parse")
	}
	return d.md
}

// Vector returns the opened vector document, or nil if the data is not
// vector content.
func (d *EncodedImageData) Vector() VectorDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc
}

// CreateCodecDecoder returns a container for a single decode. The container
// opened by Parse is returned by the first call; later calls open a new
// container.
func (d *EncodedImageData) CreateCodecDecoder() (Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.container; c != nil {
		d.container = nil
		return c, nil
	}
	c, err := d.codec.Open(d.raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return c, nil
}
