// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/bmp"
)

// countingCodec counts calls to Open.
type countingCodec struct {
	Codec
	opens int
}

func (c *countingCodec) Open(b []byte) (Container, error) {
	c.opens++
	return c.Codec.Open(b)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	if err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeBMP(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := bmp.Encode(&buf, img)
	if err != nil {
		t.Fatalf("failed to encode bmp: %v", err)
	}
	return buf.Bytes()
}

func solid(r image.Rectangle, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want ContainerKind
	}{
		{name: "gif87a", data: []byte("GIF87a......"), want: KindGIF},
		{name: "gif89a", data: []byte("GIF89a......"), want: KindGIF},
		{name: "png", data: []byte("\x89PNG\r\n\x1a\n...."), want: KindPNG},
		{name: "jpeg", data: []byte("\xff\xd8\xff\xe0"), want: KindJPEG},
		{name: "bmp", data: []byte("BM\x01\x02\x03\x04\x00\x00\x00\x00...."), want: KindBMP},
		{name: "tiff_le", data: []byte("II*\x00...."), want: KindTIFF},
		{name: "tiff_be", data: []byte("MM\x00*...."), want: KindTIFF},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: KindWebP},
		{name: "svg", data: []byte(`<?xml version="1.0"?>` + "\n" + `<svg xmlns="http://www.w3.org/2000/svg"/>`), want: KindVector},
		{name: "svg_bom", data: []byte("\ufeff<svg/>"), want: KindVector},
		{name: "html", data: []byte("<html></html>"), want: KindUnknown},
		{name: "short", data: []byte("GI"), want: KindUnknown},
		{name: "empty", data: nil, want: KindUnknown},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DetectKind(test.data)
			if got != test.want {
				t.Errorf("unexpected kind: got:%v want:%v", got, test.want)
			}
		})
	}
}

func TestParseIdempotent(t *testing.T) {
	b := encodePNG(t, solid(image.Rect(0, 0, 7, 5), color.NRGBA{R: 0xff, A: 0x80}))
	codec := &countingCodec{Codec: StdCodec{}}
	data := NewEncodedImageData(NewRawData(b), codec)
	if data.IsParsed() {
		t.Fatal("unexpected parsed state before parse")
	}

	err := data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error on first parse: %v", err)
	}
	first := data.Metadata()
	err = data.Parse(nil, image.Pt(1, 1))
	if err != nil {
		t.Fatalf("unexpected error on second parse: %v", err)
	}
	second := data.Metadata()
	if !cmp.Equal(first, second) {
		t.Errorf("metadata changed on reparse:\n--- first:\n+++ second:\n%s", cmp.Diff(first, second))
	}
	if codec.opens != 1 {
		t.Errorf("unexpected number of codec opens: got:%d want:1", codec.opens)
	}
	want := Metadata{
		Kind:          KindPNG,
		Width:         7,
		Height:        5,
		Scale:         100,
		FrameCount:    1,
		LoopCount:     1,
		Orientation:   OrientationNormal,
		SupportsAlpha: true,
	}
	if !cmp.Equal(first, want) {
		t.Errorf("unexpected metadata:\n--- want:\n+++ got:\n%s", cmp.Diff(want, first))
	}

	// The container opened by parse is handed out once.
	for i := 0; i < 3; i++ {
		_, err = data.CreateCodecDecoder()
		if err != nil {
			t.Fatalf("unexpected error creating decoder %d: %v", i, err)
		}
	}
	if codec.opens != 3 {
		t.Errorf("unexpected number of codec opens after handles: got:%d want:3", codec.opens)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		[]byte("not an image"),
		[]byte("\x89PNG\r\n\x1a\ntruncated"),
	} {
		data := NewEncodedImageData(NewRawData(b), nil)
		err := data.Parse(nil, image.Point{})
		if err == nil {
			t.Errorf("expected error parsing %q", b)
		}
		if data.IsParsed() {
			t.Errorf("unexpected parsed state after failure for %q", b)
		}
	}
}

func TestMetadataBeforeParse(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for metadata before parse")
		}
	}()
	NewEncodedImageData(NewRawData(nil), nil).Metadata()
}

func TestScaleQualifier(t *testing.T) {
	b := encodePNG(t, solid(image.Rect(0, 0, 2, 2), color.White))
	data := NewEncodedImageData(NewRawData(b), nil).WithScale(200)
	err := data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := data.Metadata().Scale; got != 200 {
		t.Errorf("unexpected scale: got:%d want:200", got)
	}
}

func TestStillBMP(t *testing.T) {
	const w, h = 199, 193
	b := encodeBMP(t, solid(image.Rect(0, 0, w, h), color.NRGBA{R: 0x20, G: 0x40, B: 0x60, A: 0xff}))
	data := NewEncodedImageData(NewRawData(b), nil)
	err := data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error parsing bmp: %v", err)
	}
	md := data.Metadata()
	if md.Kind != KindBMP || md.Width != w || md.Height != h || md.SupportsAlpha || md.IsAnimated() {
		t.Errorf("unexpected metadata: %+v", md)
	}

	params := NewDecodeParams(FormatRGBA8, 0, 0, false, nil)
	img, delay, err := NewFrameDecoder(md, nil).DecodeFrame(context.Background(), data, params, 0)
	if err != nil {
		t.Fatalf("unexpected error decoding bmp: %v", err)
	}
	if delay != 0 {
		t.Errorf("unexpected delay for still image: %v", delay)
	}
	bm, err := RealizeBitmapSource(context.Background(), md, img, params, CopyOptions{})
	if err != nil {
		t.Fatalf("unexpected error realizing bmp: %v", err)
	}
	if got, want := bm.Size(), image.Pt(w, h); got != want {
		t.Errorf("unexpected size: got:%v want:%v", got, want)
	}
	if bm.Opaque != !md.SupportsAlpha {
		t.Errorf("opacity does not match metadata: opaque=%t alpha=%t", bm.Opaque, md.SupportsAlpha)
	}
	got := color.RGBAModel.Convert(bm.Image.At(100, 100)).(color.RGBA)
	want := color.RGBA{R: 0x20, G: 0x40, B: 0x60, A: 0xff}
	if got != want {
		t.Errorf("unexpected pixel: got:%v want:%v", got, want)
	}
}

func TestStillScaled(t *testing.T) {
	b := encodePNG(t, solid(image.Rect(0, 0, 40, 20), color.NRGBA{G: 0xff, A: 0xff}))
	data := NewEncodedImageData(NewRawData(b), nil)
	err := data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error parsing png: %v", err)
	}
	if data.Metadata().SupportsAlpha {
		t.Error("unexpected alpha support for opaque png")
	}
	for _, test := range []struct {
		w, h int
		want image.Rectangle
	}{
		{w: 30, want: image.Rect(0, 0, 30, 15)},
		{h: 5, want: image.Rect(0, 0, 10, 5)},
		{w: 80, h: 10, want: image.Rect(0, 0, 80, 10)},
	} {
		params := NewDecodeParams(FormatRGBA8, test.w, test.h, false, nil)
		img, _, err := NewFrameDecoder(data.Metadata(), nil).DecodeFrame(context.Background(), data, params, 0)
		if err != nil {
			t.Fatalf("unexpected error decoding %d×%d: %v", test.w, test.h, err)
		}
		if got := img.Bounds(); got != test.want {
			t.Errorf("unexpected bounds for %d×%d: got:%v want:%v", test.w, test.h, got, test.want)
		}
		if _, ok := img.(*image.RGBA); !ok {
			t.Errorf("unexpected image type for %d×%d: %T", test.w, test.h, img)
		}
	}
}

// nativeContainer is a Container that reports a native downscale.
type nativeContainer struct {
	Container
	requested image.Point
}

func (c *nativeContainer) ClosestSize(size image.Point) image.Point {
	return image.Pt(size.X*2, size.Y*2)
}

func (c *nativeContainer) ScaledFrame(i int, size image.Point) (*Frame, error) {
	c.requested = size
	return &Frame{Image: image.NewRGBA(image.Rectangle{Max: size}), Rect: image.Rectangle{Max: size}}, nil
}

type nativeCodec struct {
	last *nativeContainer
}

func (c *nativeCodec) Open(b []byte) (Container, error) {
	ct, err := StdCodec{}.Open(b)
	if err != nil {
		return nil, err
	}
	c.last = &nativeContainer{Container: ct}
	return c.last, nil
}

func TestStillNativeScale(t *testing.T) {
	b := encodePNG(t, solid(image.Rect(0, 0, 64, 64), color.White))
	codec := &nativeCodec{}
	data := NewEncodedImageData(NewRawData(b), codec)
	err := data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error parsing png: %v", err)
	}
	params := NewDecodeParams(FormatRGBA8, 8, 8, false, nil)
	img, _, err := NewFrameDecoder(data.Metadata(), nil).DecodeFrame(context.Background(), data, params, 0)
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if got, want := codec.last.requested, image.Pt(16, 16); got != want {
		t.Errorf("unexpected native decode size: got:%v want:%v", got, want)
	}
	if got, want := img.Bounds(), image.Rect(0, 0, 8, 8); got != want {
		t.Errorf("unexpected bounds: got:%v want:%v", got, want)
	}
}

// insertPNGChunk returns b with a chunk inserted after the IHDR chunk.
func insertPNGChunk(b []byte, typ string, data []byte) []byte {
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	var chunk bytes.Buffer
	binary.Write(&chunk, binary.BigEndian, uint32(len(data)))
	chunk.WriteString(typ)
	chunk.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	binary.Write(&chunk, binary.BigEndian, crc.Sum32())
	out := append([]byte(nil), b[:ihdrEnd]...)
	out = append(out, chunk.Bytes()...)
	return append(out, b[ihdrEnd:]...)
}

func TestPNGProfile(t *testing.T) {
	profile := make([]byte, sRGBProfileSize)
	copy(profile[deviceModelOffset:], "sRGB")

	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(profile)
	zw.Close()
	iccp := append([]byte("sRGB IEC61966-2.1\x00\x00"), z.Bytes()...)

	b := encodePNG(t, solid(image.Rect(0, 0, 3, 3), color.White))
	b = insertPNGChunk(b, "iCCP", iccp)

	got, err := embeddedProfile(KindPNG, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, profile) {
		t.Errorf("unexpected profile: got %d bytes want %d", len(got), len(profile))
	}
	if !IsKnownSRGBProfile(got) {
		t.Error("expected profile to be recognized as sRGB")
	}

	// The profile must not interfere with decoding.
	data := NewEncodedImageData(NewRawData(b), nil)
	err = data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error parsing png with profile: %v", err)
	}
	_, _, err = NewFrameDecoder(data.Metadata(), nil).DecodeFrame(context.Background(), data, NewDecodeParams(FormatRGBA8, 0, 0, false, nil), 0)
	if err != nil {
		t.Fatalf("unexpected error decoding png with profile: %v", err)
	}
}

// recordingTransformer records whether it was called.
type recordingTransformer struct {
	called bool
}

func (r *recordingTransformer) TransformToSRGB(img image.Image, _ []byte, format PixelFormat) (image.Image, error) {
	r.called = true
	return convert(img, format, true), nil
}

func TestColorStage(t *testing.T) {
	srgb := make([]byte, sRGBProfileSize)
	copy(srgb[deviceModelOffset:], "sRGB")
	other := make([]byte, 1000)
	copy(other[deviceModelOffset:], "ABCD")

	for _, test := range []struct {
		name    string
		profile []byte
		want    bool
	}{
		{name: "none", profile: nil, want: false},
		{name: "srgb", profile: srgb, want: false},
		{name: "other", profile: other, want: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			ct := &recordingTransformer{}
			_, applied, err := colorStage(image.NewRGBA(image.Rect(0, 0, 1, 1)), test.profile, FormatRGBA8, ct)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if applied != test.want || ct.called != test.want {
				t.Errorf("unexpected transform state: applied=%t called=%t want=%t", applied, ct.called, test.want)
			}
		})
	}
}

func TestIsKnownSRGBProfile(t *testing.T) {
	iec := make([]byte, sRGBProfileSize)
	copy(iec[deviceModelOffset:], "sRGB")
	iecOther := make([]byte, sRGBProfileSize)
	copy(iecOther[deviceModelOffset:], "Adob")

	compact := func(typ string, desc []byte) []byte {
		p := make([]byte, compactProfileSize)
		binary.BigEndian.PutUint32(p[128:], 1)
		copy(p[132:], "desc")
		binary.BigEndian.PutUint32(p[136:], 144)
		binary.BigEndian.PutUint32(p[140:], 64)
		copy(p[144:], typ)
		switch typ {
		case "desc":
			binary.BigEndian.PutUint32(p[152:], uint32(len(desc)))
			copy(p[156:], desc)
		case "mluc":
			binary.BigEndian.PutUint32(p[152:], 1)
			binary.BigEndian.PutUint32(p[156:], 12)
			copy(p[160:], "enUS")
			binary.BigEndian.PutUint32(p[164:], uint32(len(desc)))
			binary.BigEndian.PutUint32(p[168:], 28)
			copy(p[172:], desc)
		}
		return p
	}

	tests := []struct {
		name    string
		profile []byte
		want    bool
	}{
		{name: "iec", profile: iec, want: true},
		{name: "iec_size_other_device", profile: iecOther, want: false},
		{name: "compact_c2", profile: compact("desc", []byte("c2\x00")), want: true},
		{name: "compact_mluc", profile: compact("mluc", []byte{0, 's', 0, 'R', 0, 'G', 0, 'B'}), want: true},
		{name: "compact_other", profile: compact("desc", []byte("Display P3\x00")), want: false},
		{name: "short", profile: []byte("sRGB"), want: false},
		{name: "empty", profile: nil, want: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := IsKnownSRGBProfile(test.profile)
			if got != test.want {
				t.Errorf("unexpected result: got:%t want:%t", got, test.want)
			}
		})
	}
}

// insertEXIFOrientation returns the JPEG data in b with an EXIF APP1
// segment declaring orientation o.
func insertEXIFOrientation(b []byte, o Orientation) []byte {
	var tiff bytes.Buffer
	tiff.WriteString("MM\x00*")
	binary.Write(&tiff, binary.BigEndian, uint32(8))
	binary.Write(&tiff, binary.BigEndian, uint16(1))
	binary.Write(&tiff, binary.BigEndian, uint16(0x0112)) // Orientation
	binary.Write(&tiff, binary.BigEndian, uint16(3))      // SHORT
	binary.Write(&tiff, binary.BigEndian, uint32(1))
	binary.Write(&tiff, binary.BigEndian, uint16(o))
	binary.Write(&tiff, binary.BigEndian, uint16(0))
	binary.Write(&tiff, binary.BigEndian, uint32(0))

	var app1 bytes.Buffer
	app1.Write([]byte{0xff, 0xe1})
	binary.Write(&app1, binary.BigEndian, uint16(2+6+tiff.Len()))
	app1.WriteString("Exif\x00\x00")
	app1.Write(tiff.Bytes())

	out := append([]byte(nil), b[:2]...)
	out = append(out, app1.Bytes()...)
	return append(out, b[2:]...)
}

func TestJPEGOrientation(t *testing.T) {
	// Left half red, right half blue.
	src := solid(image.Rect(0, 0, 32, 16), color.NRGBA{R: 0xff, A: 0xff})
	for y := 0; y < 16; y++ {
		for x := 16; x < 32; x++ {
			src.Set(x, y, color.NRGBA{B: 0xff, A: 0xff})
		}
	}
	var buf bytes.Buffer
	err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 100})
	if err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	b := insertEXIFOrientation(buf.Bytes(), OrientationRotate90)

	data := NewEncodedImageData(NewRawData(b), nil)
	err = data.Parse(nil, image.Point{})
	if err != nil {
		t.Fatalf("unexpected error parsing jpeg: %v", err)
	}
	md := data.Metadata()
	if md.Orientation != OrientationRotate90 || md.Width != 16 || md.Height != 32 || md.SupportsAlpha {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	params := NewDecodeParams(FormatRGBA8, 0, 0, false, nil)
	img, _, err := NewFrameDecoder(md, nil).DecodeFrame(context.Background(), data, params, 0)
	if err != nil {
		t.Fatalf("unexpected error decoding jpeg: %v", err)
	}
	if got, want := img.Bounds(), image.Rect(0, 0, 16, 32); got != want {
		t.Fatalf("unexpected bounds: got:%v want:%v", got, want)
	}
	// Rotating clockwise moves the left of the source to the top.
	top := color.RGBAModel.Convert(img.At(8, 4)).(color.RGBA)
	bottom := color.RGBAModel.Convert(img.At(8, 28)).(color.RGBA)
	if top.R < 0xc0 || top.B > 0x40 {
		t.Errorf("unexpected top colour: %v", top)
	}
	if bottom.B < 0xc0 || bottom.R > 0x40 {
		t.Errorf("unexpected bottom colour: %v", bottom)
	}

	// Requested sizes are in display orientation.
	params = NewDecodeParams(FormatRGBA8, 8, 0, false, nil)
	img, _, err = NewFrameDecoder(md, nil).DecodeFrame(context.Background(), data, params, 0)
	if err != nil {
		t.Fatalf("unexpected error decoding scaled jpeg: %v", err)
	}
	if got, want := img.Bounds(), image.Rect(0, 0, 8, 16); got != want {
		t.Errorf("unexpected scaled bounds: got:%v want:%v", got, want)
	}
}

func TestUnsupported(t *testing.T) {
	_, err := StdCodec{}.Open([]byte("<svg/>"))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("unexpected error opening vector data: got:%v want:%v", err, ErrUnsupported)
	}
	_, err = StdCodec{}.Open([]byte("plain text"))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("unexpected error opening unknown data: got:%v want:%v", err, ErrUnsupported)
	}
}
