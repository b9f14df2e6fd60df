// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imaging provides encoded image data handling, frame decoding and
// pixel realization for the animage decode engine.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

var (
	// ErrInvalidArgument is returned when a request cannot be satisfied
	// with the arguments provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDeviceLost is returned by graphics context dependent operations
	// when the graphics device has been lost. Callers are expected to
	// recreate their graphics context and retry from Parse.
	ErrDeviceLost = errors.New("graphics device lost")

	// ErrAborted is returned when a copy into destination tiles was
	// abandoned because the destination is no longer wanted. It is not
	// a decode failure.
	ErrAborted = errors.New("copy aborted")

	// ErrUnsupported is returned for content the codec cannot handle.
	ErrUnsupported = errors.New("unsupported image content")
)

// PixelFormat is a target pixel format for decoded output.
type PixelFormat int

const (
	// FormatUnknown is the zero PixelFormat.
	FormatUnknown PixelFormat = iota
	// FormatRGBA8 is 32 bits per pixel premultiplied RGBA, held in an
	// *image.RGBA.
	FormatRGBA8
	// FormatRGBA16 is 64 bits per pixel premultiplied RGBA, held in an
	// *image.RGBA64. It is used for high dynamic range sources.
	FormatRGBA16
)

// BytesPerPixel returns the number of bytes used by one pixel in the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA8:
		return 4
	case FormatRGBA16:
		return 8
	default:
		panic(fmt.Sprintf("invalid pixel format: %d", f))
	}
}

// Stride returns the number of bytes in a row of width pixels.
func (f PixelFormat) Stride(width int) int {
	return width * f.BytesPerPixel()
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatRGBA16:
		return "rgba16"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParsePixelFormat returns the PixelFormat named by s.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "rgba8":
		return FormatRGBA8, nil
	case "rgba16":
		return FormatRGBA16, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: unknown pixel format: %q", ErrInvalidArgument, s)
	}
}

// newImage returns a new draw target in format f with the given bounds.
func newImage(f PixelFormat, r image.Rectangle) drawImage {
	switch f {
	case FormatRGBA8:
		return image.NewRGBA(r)
	case FormatRGBA16:
		return image.NewRGBA64(r)
	default:
		panic(fmt.Sprintf("invalid pixel format: %d", f))
	}
}

// formatOf returns the PixelFormat of img if it is one of the target
// formats.
func formatOf(img image.Image) (PixelFormat, bool) {
	switch img.(type) {
	case *image.RGBA:
		return FormatRGBA8, true
	case *image.RGBA64:
		return FormatRGBA16, true
	default:
		return FormatUnknown, false
	}
}

// ContainerKind is the container format of an encoded image.
type ContainerKind int

const (
	KindUnknown ContainerKind = iota
	KindJPEG
	KindPNG
	KindBMP
	KindGIF
	KindTIFF
	KindWebP
	KindVector
)

var kindNames = [...]string{
	KindUnknown: "unknown",
	KindJPEG:    "jpeg",
	KindPNG:     "png",
	KindBMP:     "bmp",
	KindGIF:     "gif",
	KindTIFF:    "tiff",
	KindWebP:    "webp",
	KindVector:  "vector",
}

func (k ContainerKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Orientation is an EXIF orientation value. The zero value and
// OrientationNormal both indicate the identity transform.
type Orientation int

const (
	OrientationNormal         Orientation = 1
	OrientationFlipH          Orientation = 2
	OrientationRotate180      Orientation = 3
	OrientationFlipV          Orientation = 4
	OrientationTranspose      Orientation = 5
	OrientationRotate90       Orientation = 6
	OrientationTransverse     Orientation = 7
	OrientationRotate270      Orientation = 8
	orientationMaxValid                   = OrientationRotate270
	orientationMinNonIdentity             = OrientationFlipH
)

// IsIdentity returns whether the orientation leaves pixels unchanged.
func (o Orientation) IsIdentity() bool {
	return o < orientationMinNonIdentity || o > orientationMaxValid
}

// SwapsDimensions returns whether the orientation exchanges the width and
// height of the image.
func (o Orientation) SwapsDimensions() bool {
	return o >= OrientationTranspose && o <= OrientationRotate270
}

// Metadata is the container metadata for an encoded image. It is produced
// once by parsing and is immutable thereafter.
type Metadata struct {
	Kind ContainerKind

	// Width and Height are the dimensions after
	// applying Orientation.
	Width, Height int

	// Scale is the resource scale as a percentage.
	Scale int

	FrameCount int
	// LoopCount is the number of times an animation
	// plays through. Zero means forever.
	LoopCount int

	Orientation   Orientation
	SupportsAlpha bool
	IsHDR         bool
}

// IsAnimated returns whether the image has more than one frame.
func (m Metadata) IsAnimated() bool {
	return m.FrameCount > 1
}

// DimensionsSwapped returns whether the stored pixel data has its width and
// height exchanged relative to the metadata dimensions.
func (m Metadata) DimensionsSwapped() bool {
	return m.Orientation.SwapsDimensions()
}

// LogValue implements slog.LogValuer.
func (m Metadata) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", m.Kind.String()),
		slog.Int("width", m.Width),
		slog.Int("height", m.Height),
		slog.Int("scale", m.Scale),
		slog.Int("frames", m.FrameCount),
		slog.Int("loops", m.LoopCount),
		slog.Int("orientation", int(m.Orientation)),
		slog.Bool("alpha", m.SupportsAlpha),
		slog.Bool("hdr", m.IsHDR),
	)
}

// RawData is an immutable encoded image byte buffer.
type RawData struct {
	b []byte
}

// NewRawData returns a RawData holding b. The caller must not modify b
// after the call.
func NewRawData(b []byte) *RawData {
	return &RawData{b: b}
}

// Bytes returns the held data. The returned slice must not be modified.
func (r *RawData) Bytes() []byte { return r.b }

// Len returns the size of the held data.
func (r *RawData) Len() int { return len(r.b) }

// SurfaceTile is one independently lockable region of a destination image.
type SurfaceTile struct {
	// Rect is the region of the logical destination
	// image covered by the tile.
	Rect    image.Rectangle
	Surface Surface
}

// DecodeParams describes a decode request. DecodeParams values are replaced
// rather than mutated, with the exception of the tile list which may be
// detached by its owner.
type DecodeParams struct {
	// Format is the requested output pixel format.
	Format PixelFormat

	// Width and Height are the requested output size.
	// Zero means the natural size along that axis.
	Width, Height int

	// Autoplay indicates animations should start
	// playing once decoded.
	Autoplay bool

	// ImageID and Source identify the request in logs.
	ImageID uint64
	Source  string

	mu    sync.Mutex
	tiles []SurfaceTile
}

// NewDecodeParams returns a DecodeParams for the provided target. If tiles is
// not empty, decoded frames are written into the tiles instead of a software
// buffer.
func NewDecodeParams(format PixelFormat, width, height int, autoplay bool, tiles []SurfaceTile) *DecodeParams {
	return &DecodeParams{
		Format:   format,
		Width:    width,
		Height:   height,
		Autoplay: autoplay,
		tiles:    tiles,
	}
}

// Tiles returns the destination tiles, or nil if the request targets a
// software buffer.
func (p *DecodeParams) Tiles() []SurfaceTile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tiles
}

// DetachTiles removes and returns the destination tiles, allowing their
// owner to release them before the request is retired.
func (p *DecodeParams) DetachTiles() []SurfaceTile {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tiles
	p.tiles = nil
	return t
}

// IsHardwareOutput returns whether the request targets destination tiles.
func (p *DecodeParams) IsHardwareOutput() bool {
	return len(p.Tiles()) != 0
}

// NaturalSize returns whether the request asks for the natural image size.
func (p *DecodeParams) NaturalSize() bool {
	return p.Width == 0 && p.Height == 0
}

// LogValue implements slog.LogValuer.
func (p *DecodeParams) LogValue() slog.Value {
	if p == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("format", p.Format.String()),
		slog.Int("width", p.Width),
		slog.Int("height", p.Height),
		slog.Bool("autoplay", p.Autoplay),
		slog.Int("tiles", len(p.Tiles())),
		slog.Uint64("id", p.ImageID),
		slog.String("source", p.Source),
	)
}
