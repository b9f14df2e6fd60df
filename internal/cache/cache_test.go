// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/animage/internal/decoder"
	"github.com/kortschak/animage/internal/imaging"
)

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.ToSlash(dir)
	tests := []struct {
		uri     string
		want    string
		wantErr error
	}{
		{uri: "a.png", want: "file://" + abs + "/a.png"},
		{uri: "./sub/../a.png", want: "file://" + abs + "/a.png"},
		{uri: "file:a.png", want: "file://" + abs + "/a.png"},
		{uri: "file:///x/y.gif", want: "file:///x/y.gif"},
		{uri: "/x//y.gif", want: "file:///x/y.gif"},
		{uri: "data:image/*;base64,AAAA", want: "data:image/*;base64,AAAA"},
		{uri: "data:text/plain,hello", wantErr: imaging.ErrInvalidArgument},
		{uri: "https://example.com/a.png", wantErr: imaging.ErrUnsupported},
		{uri: "", wantErr: imaging.ErrInvalidArgument},
	}
	rm := Files{Dir: dir}
	for _, test := range tests {
		got, err := rm.Canonicalize(test.uri)
		if !errors.Is(err, test.wantErr) {
			t.Errorf("unexpected error for %q: got:%v want:%v", test.uri, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("unexpected canonical form for %q: got:%q want:%q", test.uri, got, test.want)
		}
	}
}

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    [3]string
		wantErr bool
	}{
		{uri: "data:image/*;base64,AAAA", want: [3]string{"image/*", "AAAA", "base64"}},
		{uri: "data:image/png;title=gopher;base64,AAAA", want: [3]string{"image/png", "AAAA", "base64"}},
		{uri: "data:image/png,AAAA", wantErr: true},
		{uri: "data:image/png;base64", wantErr: true},
		{uri: "data:text/plain;base64,AAAA", wantErr: true},
		{uri: "file:///a.png", wantErr: true},
	}
	for _, test := range tests {
		mtyp, val, enc, err := parseDataURI(test.uri)
		if (err != nil) != test.wantErr {
			t.Errorf("unexpected error for %q: %v", test.uri, err)
			continue
		}
		if err != nil {
			continue
		}
		got := [3]string{mtyp, val, enc}
		if got != test.want {
			t.Errorf("unexpected parse of %q:\n--- want:\n+++ got:\n%s", test.uri, cmp.Diff(test.want, got))
		}
	}
}

func TestScaleQualifier(t *testing.T) {
	tests := []struct {
		uri  string
		want int
	}{
		{uri: "file:///a/logo.png", want: 100},
		{uri: "file:///a/logo.scale-200.png", want: 200},
		{uri: "file:///a/logo.scale-125.targetsize-16.png", want: 125},
		{uri: "file:///a.scale-400/logo.png", want: 100},
		{uri: "file:///a/logo.scale-x.png", want: 100},
		{uri: "data:image/*;base64,scale-200", want: 100},
	}
	for _, test := range tests {
		if got := ScaleQualifier(test.uri); got != test.want {
			t.Errorf("unexpected scale for %q: got:%d want:%d", test.uri, got, test.want)
		}
	}
}

// memResources is an in-memory ResourceManager.
type memResources struct {
	files map[string][]byte
	loads map[string]int
}

func (r *memResources) Canonicalize(uri string) (string, error) {
	if _, ok := r.files[uri]; !ok {
		return "", os.ErrNotExist
	}
	return "mem:" + uri, nil
}

func (r *memResources) Cacheable(canonical string) bool {
	return canonical != "mem:volatile.png"
}

func (r *memResources) Load(_ context.Context, canonical string) ([]byte, error) {
	if r.loads == nil {
		r.loads = make(map[string]int)
	}
	r.loads[canonical]++
	return r.files[canonical[len("mem:"):]], nil
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	if err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestEnsureCacheEntry(t *testing.T) {
	b := encodePNG(t, 2, 2, color.White)
	rm := &memResources{files: map[string][]byte{"a.png": b, "b.png": b, "volatile.png": b}}
	p := NewProvider(rm, nil)

	a1, err := p.EnsureCacheEntry("a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, _ := p.EnsureCacheEntry("a.png")
	if a1 != a2 {
		t.Error("expected same entry for same uri and epoch")
	}
	if got, want := a1.Key(), "mem:a.png#0"; got != want {
		t.Errorf("unexpected key: got:%q want:%q", got, want)
	}
	bEntry, _ := p.EnsureCacheEntry("b.png")
	if bEntry == a1 {
		t.Error("unexpected shared entry for different uri")
	}

	v1, _ := p.EnsureCacheEntry("volatile.png")
	v2, _ := p.EnsureCacheEntry("volatile.png")
	if v1 == v2 {
		t.Error("unexpected shared entry for uncacheable uri")
	}
	if v1.Key() != "" {
		t.Errorf("unexpected key for uncacheable entry: %q", v1.Key())
	}
	if n := p.Len(); n != 2 {
		t.Errorf("unexpected cache size: got:%d want:2", n)
	}

	p.BumpEpoch()
	a3, _ := p.EnsureCacheEntry("a.png")
	if a3 == a1 {
		t.Error("expected new entry after epoch change")
	}
	if got, want := a3.Key(), "mem:a.png#1"; got != want {
		t.Errorf("unexpected key: got:%q want:%q", got, want)
	}
	key, canonical, err := p.Key("a.png")
	if err != nil || key != "mem:a.png#1" || canonical != "mem:a.png" {
		t.Errorf("unexpected key: key=%q canonical=%q err=%v", key, canonical, err)
	}

	_, err = p.EnsureCacheEntry("missing.png")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("unexpected error for missing resource: %v", err)
	}
}

func TestDisabled(t *testing.T) {
	b := encodePNG(t, 2, 2, color.White)
	rm := &memResources{files: map[string][]byte{"a.png": b}}
	p := NewProvider(rm, &Options{Disabled: true})
	a1, _ := p.EnsureCacheEntry("a.png")
	a2, _ := p.EnsureCacheEntry("a.png")
	if a1 == a2 {
		t.Error("unexpected shared entry with disabled cache")
	}
	if n := p.Len(); n != 0 {
		t.Errorf("unexpected cache size: got:%d want:0", n)
	}
}

func TestInvalidate(t *testing.T) {
	b := encodePNG(t, 2, 2, color.White)
	rm := &memResources{files: map[string][]byte{"a.png": b, "b.png": b}}
	p := NewProvider(rm, nil)

	a1, _ := p.EnsureCacheEntry("a.png")
	p.BumpEpoch()
	a2, _ := p.EnsureCacheEntry("a.png")
	bEntry, _ := p.EnsureCacheEntry("b.png")

	n, err := p.Invalidate("a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("unexpected number of invalidated entries: got:%d want:2", n)
	}
	if a1.Valid() || a2.Valid() {
		t.Error("expected invalid entries")
	}
	if !bEntry.Valid() {
		t.Error("unexpected invalidation of unrelated entry")
	}
	if n := p.Len(); n != 1 {
		t.Errorf("unexpected cache size: got:%d want:1", n)
	}
	_, err = a2.Data(context.Background())
	if !errors.Is(err, ErrInvalidated) {
		t.Errorf("unexpected error using invalidated entry: got:%v want:%v", err, ErrInvalidated)
	}

	a3, _ := p.EnsureCacheEntry("a.png")
	if a3 == a2 || !a3.Valid() {
		t.Error("expected new valid entry after invalidation")
	}
}

func TestClear(t *testing.T) {
	b := encodePNG(t, 2, 2, color.White)
	rm := &memResources{files: map[string][]byte{"a.png": b}}
	p := NewProvider(rm, nil)

	a1, _ := p.EnsureCacheEntry("a.png")
	p.Clear()
	if n := p.Len(); n != 0 {
		t.Errorf("unexpected cache size after clear: got:%d want:0", n)
	}
	a2, _ := p.EnsureCacheEntry("a.png")
	if a1 == a2 {
		t.Error("unexpected entry reuse after clear")
	}

	// An entry dropped by Clear must not evict
	// its replacement.
	a1.Invalidate()
	if n := p.Len(); n != 1 {
		t.Errorf("unexpected cache size after invalidating dropped entry: got:%d want:1", n)
	}
	a3, _ := p.EnsureCacheEntry("a.png")
	if a3 != a2 {
		t.Error("expected replacement entry to remain cached")
	}
}

func TestEntryData(t *testing.T) {
	b := encodePNG(t, 3, 2, color.White)
	rm := &memResources{files: map[string][]byte{"a.scale-200.png": b}}
	p := NewProvider(rm, nil)
	e, _ := p.EnsureCacheEntry("a.scale-200.png")
	for i := 0; i < 2; i++ {
		data, err := e.Data(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		md := data.Metadata()
		if md.Width != 3 || md.Height != 2 || md.Scale != 200 {
			t.Errorf("unexpected metadata: %+v", md)
		}
	}
	if n := rm.loads["mem:a.scale-200.png"]; n != 1 {
		t.Errorf("unexpected number of loads: got:%d want:1", n)
	}
}

func TestGetImage(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "a.png"), encodePNG(t, 6, 4, color.NRGBA{R: 0xff, A: 0xff}), 0o644)
	if err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	p := NewProvider(Files{Dir: dir}, nil)
	e, err := p.EnsureCacheEntry("a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	type delivery struct {
		id   uint64
		size image.Point
	}
	c := make(chan delivery, 4)
	cb := decoder.CallbackFunc(func(resp *decoder.Response, id uint64) {
		c <- delivery{id: id, size: resp.Bitmap.Size()}
	})
	wait := func(want delivery) {
		t.Helper()
		select {
		case got := <-c:
			if got != want {
				t.Errorf("unexpected delivery: got:%+v want:%+v", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for decode")
		}
	}

	d1, err := e.GetImage(context.Background(), imaging.NewDecodeParams(imaging.FormatRGBA8, 0, 0, true, nil), 1, cb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wait(delivery{id: 1, size: image.Pt(6, 4)})

	d2, err := e.GetImage(context.Background(), imaging.NewDecodeParams(imaging.FormatRGBA8, 3, 0, true, nil), 2, cb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1 != d2 {
		t.Error("expected decoder reuse")
	}
	wait(delivery{id: 2, size: image.Pt(3, 2)})

	e.Invalidate()
	if d1.HasDecoder() {
		t.Error("expected decoder closed by invalidation")
	}
	_, err = e.GetImage(context.Background(), imaging.NewDecodeParams(imaging.FormatRGBA8, 0, 0, true, nil), 3, cb)
	if !errors.Is(err, ErrInvalidated) {
		t.Errorf("unexpected error: got:%v want:%v", err, ErrInvalidated)
	}
}

func TestDataURI(t *testing.T) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodePNG(t, 5, 7, color.Black))
	p := NewProvider(Files{}, nil)
	e, err := p.EnsureCacheEntry(uri)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Key() != "" {
		t.Errorf("unexpected key for data uri: %q", e.Key())
	}
	data, err := e.Data(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md := data.Metadata(); md.Width != 5 || md.Height != 7 || md.Kind != imaging.KindPNG {
		t.Errorf("unexpected metadata: %+v", md)
	}

	e, err = p.EnsureCacheEntry("data:image/png;base64,!!!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = e.Data(context.Background())
	if !errors.Is(err, imaging.ErrInvalidArgument) {
		t.Errorf("unexpected error for invalid base64: got:%v want:%v", err, imaging.ErrInvalidArgument)
	}
}
