// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tdewolff/canvas"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// GraphicsContext opens vector documents for rasterization.
type GraphicsContext interface {
	// OpenVector parses the vector document in b.
	OpenVector(b []byte) (VectorDocument, error)
}

// VectorDocument is an opened vector image.
type VectorDocument interface {
	// IntrinsicSize returns the declared size of the document.
	// A zero value indicates the size was not declared.
	IntrinsicSize() (width, height float64)

	// Render rasterizes the document into dst, scaling the
	// document to fill the bounds of dst.
	Render(dst draw.Image) error
}

// isSVG returns whether b looks like an SVG document.
func isSVG(b []byte) bool {
	const sniffLen = 1024
	b = bytes.TrimLeft(b[:min(len(b), sniffLen)], " \t\r\n\ufeff")
	if !bytes.HasPrefix(b, []byte("<")) {
		return false
	}
	return bytes.Contains(b, []byte("<svg"))
}

// SVGContext is a GraphicsContext for a subset of SVG: rect, circle,
// ellipse, polygon, polyline and path elements with solid fills. Group
// elements are descended into but their transforms are not applied.
// Shapes are built and path data is parsed with canvas and filled with
// the non-zero winding rule.
type SVGContext struct {
	lost atomic.Bool
}

// SetLost marks the context's device as lost. Operations on a lost context
// and on documents it opened return ErrDeviceLost.
func (c *SVGContext) SetLost(lost bool) {
	c.lost.Store(lost)
}

// OpenVector implements the GraphicsContext interface.
func (c *SVGContext) OpenVector(b []byte) (VectorDocument, error) {
	if c.lost.Load() {
		return nil, ErrDeviceLost
	}
	doc, err := parseSVG(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	doc.ctx = c
	return doc, nil
}

type svgDoc struct {
	ctx *SVGContext

	width, height float64
	viewBox       [4]float64
	hasViewBox    bool

	shapes []svgShape
}

type svgShape struct {
	path *canvas.Path
	fill color.NRGBA
}

func (d *svgDoc) IntrinsicSize() (width, height float64) {
	if d.width > 0 && d.height > 0 {
		return d.width, d.height
	}
	if d.hasViewBox {
		w, h := d.viewBox[2], d.viewBox[3]
		switch {
		case d.width > 0 && h > 0:
			return d.width, d.width * h / w
		case d.height > 0 && w > 0:
			return d.height * w / h, d.height
		}
		return w, h
	}
	return d.width, d.height
}

func (d *svgDoc) Render(dst draw.Image) error {
	if d.ctx != nil && d.ctx.lost.Load() {
		return ErrDeviceLost
	}
	b := dst.Bounds()
	if b.Empty() {
		return nil
	}
	vx, vy, vw, vh := 0.0, 0.0, d.width, d.height
	if d.hasViewBox {
		vx, vy, vw, vh = d.viewBox[0], d.viewBox[1], d.viewBox[2], d.viewBox[3]
	}
	if vw <= 0 || vh <= 0 {
		vw, vh = float64(b.Dx()), float64(b.Dy())
	}
	sx := float64(b.Dx()) / vw
	sy := float64(b.Dy()) / vh
	pt := func(p canvas.Point) (float32, float32) {
		return float32((p.X - vx) * sx), float32((p.Y - vy) * sy)
	}
	for _, s := range d.shapes {
		if s.fill.A == 0 || s.path == nil || s.path.Empty() {
			continue
		}
		z := vector.NewRasterizer(b.Dx(), b.Dy())
		z.DrawOp = draw.Over
		for seg := s.path.ReplaceArcs().Scanner(); seg.Scan(); {
			switch seg.Cmd() {
			case canvas.MoveToCmd:
				z.MoveTo(pt(seg.End()))
			case canvas.LineToCmd:
				z.LineTo(pt(seg.End()))
			case canvas.QuadToCmd:
				x0, y0 := pt(seg.CP1())
				x1, y1 := pt(seg.End())
				z.QuadTo(x0, y0, x1, y1)
			case canvas.CubeToCmd:
				x0, y0 := pt(seg.CP1())
				x1, y1 := pt(seg.CP2())
				x2, y2 := pt(seg.End())
				z.CubeTo(x0, y0, x1, y1, x2, y2)
			case canvas.CloseCmd:
				z.ClosePath()
			default:
				z.LineTo(pt(seg.End()))
			}
		}
		z.ClosePath()
		z.Draw(dst, b, image.NewUniform(s.fill), image.Point{})
	}
	return nil
}

var errNotSVG = errors.New("not an svg document")

func parseSVG(r io.Reader) (*svgDoc, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	var (
		doc   *svgDoc
		fills []color.NRGBA
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			attrs := attrMap(tok.Attr)
			if doc == nil {
				if tok.Name.Local != "svg" {
					return nil, errNotSVG
				}
				doc = &svgDoc{}
				doc.width = parseLength(attrs["width"])
				doc.height = parseLength(attrs["height"])
				if vb, ok := attrs["viewBox"]; ok {
					f := parseFloats(vb)
					if len(f) == 4 && f[2] > 0 && f[3] > 0 {
						copy(doc.viewBox[:], f)
						doc.hasViewBox = true
					}
				}
				fills = append(fills, parseFill(attrs, color.NRGBA{A: 0xff}))
				continue
			}
			fill := parseFill(attrs, fills[len(fills)-1])
			fills = append(fills, fill)
			var path *canvas.Path
			switch tok.Name.Local {
			case "rect":
				path = rectPath(attrs)
			case "circle":
				r := parseLength(attrs["r"])
				path = ellipsePath(parseLength(attrs["cx"]), parseLength(attrs["cy"]), r, r)
			case "ellipse":
				path = ellipsePath(parseLength(attrs["cx"]), parseLength(attrs["cy"]), parseLength(attrs["rx"]), parseLength(attrs["ry"]))
			case "polygon", "polyline":
				path = polyPath(parseFloats(attrs["points"]))
			case "path":
				path, err = canvas.ParseSVGPath(attrs["d"])
				if err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
				}
			}
			if path != nil && !path.Empty() {
				doc.shapes = append(doc.shapes, svgShape{path: path, fill: fill})
			}
		case xml.EndElement:
			if len(fills) != 0 {
				fills = fills[:len(fills)-1]
			}
		}
	}
	if doc == nil {
		return nil, errNotSVG
	}
	return doc, nil
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	if style, ok := m["style"]; ok {
		for _, decl := range strings.Split(style, ";") {
			k, v, ok := strings.Cut(decl, ":")
			if ok {
				m[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	return m
}

// parseLength parses an SVG length, ignoring px units. Other units and
// percentages are treated as absent.
func parseLength(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

func parseFloats(s string) []float64 {
	f := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	v := make([]float64, 0, len(f))
	for _, n := range f {
		x, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		v = append(v, x)
	}
	return v
}

var namedColors = map[string]color.NRGBA{
	"black":  {A: 0xff},
	"white":  {R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	"red":    {R: 0xff, A: 0xff},
	"green":  {G: 0x80, A: 0xff},
	"lime":   {G: 0xff, A: 0xff},
	"blue":   {B: 0xff, A: 0xff},
	"yellow": {R: 0xff, G: 0xff, A: 0xff},
	"gray":   {R: 0x80, G: 0x80, B: 0x80, A: 0xff},
	"grey":   {R: 0x80, G: 0x80, B: 0x80, A: 0xff},
}

// parseFill returns the fill colour described by attrs, falling back to the
// inherited colour.
func parseFill(attrs map[string]string, inherit color.NRGBA) color.NRGBA {
	c := inherit
	if s, ok := attrs["fill"]; ok {
		s = strings.ToLower(strings.TrimSpace(s))
		switch {
		case s == "none" || s == "transparent":
			c = color.NRGBA{}
		case strings.HasPrefix(s, "#"):
			if v, ok := parseHex(s[1:]); ok {
				c = v
			}
		default:
			if v, ok := namedColors[s]; ok {
				c = v
			}
		}
	}
	if s, ok := attrs["fill-opacity"]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			c.A = uint8(math.Round(float64(c.A) * min(max(f, 0), 1)))
		}
	}
	return c
}

func parseHex(s string) (color.NRGBA, bool) {
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.NRGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, false
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, true
}

func rectPath(attrs map[string]string) *canvas.Path {
	x, y := parseLength(attrs["x"]), parseLength(attrs["y"])
	w, h := parseLength(attrs["width"]), parseLength(attrs["height"])
	if w <= 0 || h <= 0 {
		return nil
	}
	return canvas.Rectangle(w, h).Translate(x, y)
}

func ellipsePath(cx, cy, rx, ry float64) *canvas.Path {
	if rx <= 0 || ry <= 0 {
		return nil
	}
	return canvas.Ellipse(rx, ry).Translate(cx, cy)
}

func polyPath(pts []float64) *canvas.Path {
	if len(pts) < 4 || len(pts)%2 != 0 {
		return nil
	}
	p := &canvas.Path{}
	p.MoveTo(pts[0], pts[1])
	for i := 2; i < len(pts); i += 2 {
		p.LineTo(pts[i], pts[i+1])
	}
	p.Close()
	return p
}
