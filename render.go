// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kortschak/animage/internal/cache"
	"github.com/kortschak/animage/internal/decoder"
	"github.com/kortschak/animage/internal/dispatch"
	"github.com/kortschak/animage/internal/imaging"
)

// renderer writes the frames of a set of images. All job state is owned
// by the dispatch loop goroutine.
type renderer struct {
	provider *cache.Provider
	disp     *dispatch.Dispatcher

	format        imaging.PixelFormat
	width, height int
	tile          int
	frames        int
	index         int
	copy          imaging.CopyOptions
	out           string

	done chan result
	log  *slog.Logger
}

// result is the outcome of a job's rendering.
type result struct {
	id  uint64
	arg string
	err error
}

// job is the rendering of a single image argument.
type job struct {
	id   uint64
	arg  string
	name string
	// path is the absolute source path for
	// file images and empty otherwise.
	path string

	// gen identifies the current run so
	// that frames from replaced decoders
	// are ignored.
	gen      int
	entry    *cache.Entry
	dec      *decoder.Decoder
	params   *imaging.DecodeParams
	animated bool
	written  int
	finished bool
}

// jobs returns the jobs for the provided image arguments. Arguments that
// refer to the same resource are rendered once.
func (r *renderer) jobs(args []string) ([]*job, error) {
	var jobs []*job
	seen := make(map[string]bool)
	names := make(map[string]int)
	for i, arg := range args {
		_, canonical, err := r.provider.Key(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true

		j := &job{id: uint64(i + 1), arg: arg}
		if p, ok := strings.CutPrefix(canonical, "file://"); ok {
			j.path = p
			j.name = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		} else {
			j.name = "image"
		}
		// Disambiguate images with the same base name.
		if n := names[j.name]; n != 0 {
			names[j.name]++
			j.name = fmt.Sprintf("%s_%d", j.name, n)
		} else {
			names[j.name] = 1
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// start queues j to be rendered on the dispatch loop.
func (r *renderer) start(ctx context.Context, j *job) error {
	return r.disp.QueueTask(dispatch.TaskFunc{ID: j.id, Fn: func() {
		r.run(ctx, j)
	}})
}

func (r *renderer) run(ctx context.Context, j *job) {
	r.retire(j)
	j.gen++
	gen := j.gen
	j.written = 0
	j.finished = false

	entry, err := r.provider.EnsureCacheEntry(j.arg)
	if err != nil {
		r.finish(j, err)
		return
	}
	j.entry = entry
	data, err := entry.Data(ctx)
	if err != nil {
		r.finish(j, err)
		return
	}
	md := data.Metadata()
	j.animated = md.IsAnimated()

	width, height := r.width, r.height
	var tiles []imaging.SurfaceTile
	if r.tile > 0 {
		if width == 0 {
			width, height = md.Width, md.Height
		}
		tiles = imaging.NewTileGrid(r.format, width, height, image.Pt(r.tile, r.tile))
	}
	params := imaging.NewDecodeParams(r.format, r.width, r.height, true, tiles)
	params.ImageID = j.id
	params.Source = j.arg
	j.params = params

	// Tiles are composed in the decoder's callback since
	// they are reused for the following frame.
	cb := composer{
		width:  width,
		height: height,
		next: dispatch.Marshal(r.disp, decoder.CallbackFunc(func(resp *decoder.Response, _ uint64) {
			if j.gen == gen {
				r.onFrame(j, resp)
			}
		})),
	}

	if r.index >= 0 {
		cb.OnDecode(decoder.DecodeNow(ctx, data, params, r.index, r.copy, nil), j.id)
		return
	}
	j.dec, err = entry.GetImage(ctx, params, j.id, cb)
	if err != nil {
		r.finish(j, err)
	}
}

// onFrame writes a presented frame. It is called on the dispatch loop.
func (r *renderer) onFrame(j *job, resp *decoder.Response) {
	if j.finished {
		return
	}
	ctx := context.Background()
	if resp.Result != decoder.ResultSuccess {
		r.finish(j, fmt.Errorf("frame %d: %s: %w", resp.FrameIndex, resp.Result, resp.Err))
		return
	}
	if resp.Bitmap == nil {
		r.finish(j, fmt.Errorf("frame %d: no bitmap", resp.FrameIndex))
		return
	}

	path := filepath.Join(r.out, fmt.Sprintf("%s-%03d.png", j.name, j.written))
	err := writePNG(path, resp.Bitmap.Image)
	if err != nil {
		r.finish(j, err)
		return
	}
	j.written++
	r.log.LogAttrs(ctx, slog.LevelDebug, "wrote frame", slog.String("path", path), slog.Any("response", resp))
	fmt.Printf("%s frame=%d loop=%d delay=%v\n", path, resp.FrameIndex, resp.LoopCount, resp.Delay)

	if r.index >= 0 || !j.animated || j.written >= r.frames || j.dec == nil {
		r.finish(j, nil)
		return
	}
	if st := j.dec.State(); st.Complete || st.Err != nil {
		r.finish(j, st.Err)
	}
}

func (r *renderer) finish(j *job, err error) {
	if j.finished {
		return
	}
	j.finished = true
	r.retire(j)
	r.done <- result{id: j.id, arg: j.arg, err: err}
}

// retire closes the job's decoder and releases its destination tiles.
func (r *renderer) retire(j *job) {
	if j.entry != nil {
		// Closing the entry closes the decoder and
		// lets a later run create a fresh one.
		j.entry.Close()
	}
	if j.params != nil {
		j.params.DetachTiles()
	}
	j.entry = nil
	j.dec = nil
	j.params = nil
}

// composer delivers tiled frames to next as a single bitmap.
type composer struct {
	width, height int
	next          decoder.Callback
}

func (c composer) OnDecode(resp *decoder.Response, requestID uint64) {
	if resp.Bitmap == nil && resp.Err == nil && resp.Params != nil && resp.Params.IsHardwareOutput() {
		r := *resp
		r.Bitmap = &imaging.SoftwareBitmap{
			Image:  imaging.ComposeTiles(resp.Params.Format, c.width, c.height, resp.Params.Tiles()),
			Format: resp.Params.Format,
		}
		resp = &r
	}
	c.next.OnDecode(resp, requestID)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = png.Encode(f, img)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
