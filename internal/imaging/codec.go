// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/rwcarlsen/goexif/exif"
)

// Codec opens encoded image data.
type Codec interface {
	// Open returns a Container for the encoded data in b.
	Open(b []byte) (Container, error)
}

// Container is an opened encoded image. A Container is stateful and must
// not be used for more than one decode at a time.
type Container interface {
	// Metadata returns the container metadata.
	Metadata() (Metadata, error)
	// Frame returns the i'th frame of the image.
	Frame(i int) (*Frame, error)
}

// NativeScaler is implemented by Containers that can cheaply produce
// a downscaled frame during decoding.
type NativeScaler interface {
	// ClosestSize returns the smallest size no smaller than size
	// that the container can produce natively.
	ClosestSize(size image.Point) image.Point

	// ScaledFrame returns the i'th frame decoded at size, which
	// must have been returned by ClosestSize.
	ScaledFrame(i int, size image.Point) (*Frame, error)
}

// Disposal is a GIF frame disposal method.
type Disposal byte

const (
	DisposalUndefined  Disposal = 0
	DisposalNone       Disposal = gif.DisposalNone
	DisposalBackground Disposal = gif.DisposalBackground
	DisposalPrevious   Disposal = gif.DisposalPrevious
)

func (d Disposal) String() string {
	switch d {
	case DisposalUndefined:
		return "undefined"
	case DisposalNone:
		return "none"
	case DisposalBackground:
		return "background"
	case DisposalPrevious:
		return "previous"
	default:
		return fmt.Sprintf("disposal(%d)", byte(d))
	}
}

// Frame is a single decoded frame from a Container.
type Frame struct {
	// Image holds the frame pixels. For animated
	// images it is the delta frame and its bounds
	// are in canvas coordinates.
	Image image.Image

	// Rect is the frame rectangle, clipped to
	// the canvas.
	Rect image.Rectangle

	Delay         time.Duration
	Disposal      Disposal
	SupportsAlpha bool

	// Profile is the embedded ICC colour profile,
	// if present.
	Profile []byte
}

// StdCodec is a Codec using the Go image decoders.
type StdCodec struct{}

// Open implements the Codec interface.
func (StdCodec) Open(b []byte) (Container, error) {
	kind := DetectKind(b)
	switch kind {
	case KindUnknown:
		return nil, fmt.Errorf("%w: unknown format", ErrUnsupported)
	case KindVector:
		return nil, fmt.Errorf("%w: vector content requires a graphics context", ErrUnsupported)
	case KindGIF:
		g, err := gif.DecodeAll(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		return newGIFContainer(g)
	default:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		return &stillContainer{kind: kind, b: b, cfg: cfg}, nil
	}
}

// magic holds container signatures; '?' matches any byte.
var magic = []struct {
	kind  ContainerKind
	magic string
}{
	{KindGIF, "GIF8?a"},
	{KindPNG, "\x89PNG\r\n\x1a\n"},
	{KindJPEG, "\xff\xd8"},
	{KindBMP, "BM????\x00\x00\x00\x00"},
	{KindTIFF, "II*\x00"},
	{KindTIFF, "MM\x00*"},
	{KindWebP, "RIFF????WEBPVP8"},
}

// DetectKind returns the container kind of the encoded data in b.
func DetectKind(b []byte) ContainerKind {
	for _, m := range magic {
		if hasMagic(m.magic, b) {
			return m.kind
		}
	}
	if isSVG(b) {
		return KindVector
	}
	return KindUnknown
}

// hasMagic returns whether b starts with the provided magic bytes.
func hasMagic(magic string, b []byte) bool {
	if len(b) < len(magic) {
		return false
	}
	for i, c := range b[:len(magic)] {
		if magic[i] != c && magic[i] != '?' {
			return false
		}
	}
	return true
}

// stillContainer is a single frame container.
type stillContainer struct {
	kind ContainerKind
	b    []byte
	cfg  image.Config

	frame *Frame
}

func (c *stillContainer) Metadata() (Metadata, error) {
	md := Metadata{
		Kind:          c.kind,
		Width:         c.cfg.Width,
		Height:        c.cfg.Height,
		Scale:         100,
		FrameCount:    1,
		LoopCount:     1,
		Orientation:   OrientationNormal,
		SupportsAlpha: modelSupportsAlpha(c.cfg.ColorModel),
		IsHDR:         isHighDepth(c.cfg.ColorModel),
	}
	if c.kind == KindJPEG {
		md.Orientation = exifOrientation(c.b)
	}
	if md.Orientation.SwapsDimensions() {
		md.Width, md.Height = md.Height, md.Width
	}
	return md, nil
}

func (c *stillContainer) Frame(i int) (*Frame, error) {
	if i != 0 {
		return nil, fmt.Errorf("%w: frame %d of still image", ErrInvalidArgument, i)
	}
	if c.frame != nil {
		return c.frame, nil
	}
	img, _, err := image.Decode(bytes.NewReader(c.b))
	if err != nil {
		return nil, err
	}
	profile, err := embeddedProfile(c.kind, c.b)
	if err != nil {
		// A damaged profile is treated as absent.
		profile = nil
	}
	c.frame = &Frame{
		Image:         img,
		Rect:          img.Bounds(),
		Disposal:      DisposalNone,
		SupportsAlpha: modelSupportsAlpha(img.ColorModel()),
		Profile:       profile,
	}
	return c.frame, nil
}

// exifOrientation returns the EXIF orientation of JPEG data, or
// OrientationNormal if none is available.
func exifOrientation(b []byte) Orientation {
	x, err := exif.Decode(bytes.NewReader(b))
	if err != nil {
		return OrientationNormal
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return OrientationNormal
	}
	o, err := tag.Int(0)
	if err != nil || o < int(OrientationNormal) || o > int(orientationMaxValid) {
		return OrientationNormal
	}
	return Orientation(o)
}

// stillAlpha returns whether a still image may have non-opaque pixels.
// BMP and PNG store RGB and RGBA data with the same colour model, so the
// container is inspected.
func stillAlpha(kind ContainerKind, b []byte, m color.Model) bool {
	switch kind {
	case KindBMP:
		const bppOffset = 28
		if len(b) < bppOffset+2 {
			return false
		}
		return binary.LittleEndian.Uint16(b[bppOffset:]) == 32
	case KindPNG:
		if m == color.RGBAModel || m == color.RGBA64Model || m == color.GrayModel || m == color.Gray16Model {
			var trns bool
			pngChunks(b, func(typ string, _ []byte) bool {
				trns = typ == "tRNS"
				return !trns
			})
			return trns
		}
	}
	return modelSupportsAlpha(m)
}

// modelSupportsAlpha returns whether images in the colour model m may have
// non-opaque pixels. Paletted models are checked for transparent entries.
func modelSupportsAlpha(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return true
	case color.GrayModel, color.Gray16Model, color.YCbCrModel, color.CMYKModel:
		return false
	}
	if p, ok := m.(color.Palette); ok {
		return paletteHasAlpha(p)
	}
	return true
}

func paletteHasAlpha(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}

// isHighDepth returns whether the colour model carries more than eight bits
// per channel. These sources are treated as HDR.
func isHighDepth(m color.Model) bool {
	switch m {
	case color.RGBA64Model, color.NRGBA64Model, color.Gray16Model, color.Alpha16Model:
		return true
	}
	return false
}

// gifContainer is an animated GIF container.
type gifContainer struct {
	g *gif.GIF
}

func newGIFContainer(g *gif.GIF) (*gifContainer, error) {
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: gif has no frames", ErrInvalidArgument)
	}
	if len(g.Image) != len(g.Delay) && g.Delay != nil {
		return nil, fmt.Errorf("mismatched image count and delay count: %d != %d", len(g.Image), len(g.Delay))
	}
	if len(g.Image) != len(g.Disposal) && g.Disposal != nil {
		return nil, fmt.Errorf("mismatched image count and disposal count: %d != %d", len(g.Image), len(g.Disposal))
	}
	if g.Config.Width == 0 || g.Config.Height == 0 {
		// Logical screen size is not required to be set;
		// use the union of frame bounds.
		var b image.Rectangle
		for _, f := range g.Image {
			b = b.Union(f.Bounds())
		}
		g.Config.Width, g.Config.Height = b.Max.X, b.Max.Y
	}
	return &gifContainer{g: g}, nil
}

func (c *gifContainer) canvas() image.Rectangle {
	return image.Rect(0, 0, c.g.Config.Width, c.g.Config.Height)
}

func (c *gifContainer) Metadata() (Metadata, error) {
	alpha := false
	canvas := c.canvas()
	for i, f := range c.g.Image {
		if paletteHasAlpha(f.Palette) || (i == 0 && !f.Bounds().Eq(canvas)) {
			alpha = true
			break
		}
	}
	return Metadata{
		Kind:          KindGIF,
		Width:         canvas.Dx(),
		Height:        canvas.Dy(),
		Scale:         100,
		FrameCount:    len(c.g.Image),
		LoopCount:     loopCount(c.g.LoopCount),
		Orientation:   OrientationNormal,
		SupportsAlpha: alpha,
	}, nil
}

// loopCount converts an image/gif loop count to a play count where zero
// means forever. The declared NETSCAPE2.0 count is used as the number of
// plays and an absent loop extension plays once.
func loopCount(n int) int {
	if n < 0 {
		return 1
	}
	return n
}

func (c *gifContainer) Frame(i int) (*Frame, error) {
	if i < 0 || i >= len(c.g.Image) {
		return nil, fmt.Errorf("%w: frame %d out of range [0,%d)", ErrInvalidArgument, i, len(c.g.Image))
	}
	img := c.g.Image[i]
	f := &Frame{
		Image:         img,
		Rect:          img.Bounds().Intersect(c.canvas()),
		Delay:         frameDelay(0),
		Disposal:      DisposalUndefined,
		SupportsAlpha: paletteHasAlpha(img.Palette),
	}
	if c.g.Delay != nil {
		f.Delay = frameDelay(c.g.Delay[i])
	}
	if c.g.Disposal != nil {
		f.Disposal = Disposal(c.g.Disposal[i])
	}
	return f, nil
}

// frameDelay converts a GIF delay in centiseconds to a duration. Delays
// shorter than two centiseconds are treated as ten centiseconds.
func frameDelay(cs int) time.Duration {
	if cs < 2 {
		cs = 10
	}
	return time.Duration(cs) * 10 * time.Millisecond
}
