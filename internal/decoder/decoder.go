// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decoder implements an asynchronous image decoder that presents
// decoded frames of still and animated images to a callback, advancing
// animations on a presentation timer.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/kortschak/animage/internal/imaging"
	"github.com/kortschak/animage/internal/locked"
)

// MinFrameDelay is the shortest presentation interval between animation
// frames.
const MinFrameDelay = time.Second / 60

// Result is the outcome of a decode.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
	ResultAborted
	ResultDeviceLost
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultAborted:
		return "aborted"
	case ResultDeviceLost:
		return "device lost"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// resultOf returns the Result class for err.
func resultOf(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, imaging.ErrDeviceLost):
		return ResultDeviceLost
	case errors.Is(err, imaging.ErrAborted):
		return ResultAborted
	default:
		return ResultFailed
	}
}

// Response is a presented frame.
type Response struct {
	Result Result
	Err    error

	// Bitmap is the realized frame. It is nil when the
	// decode failed or when the frame was written into
	// the destination tiles of Params.
	Bitmap *imaging.SoftwareBitmap

	Params     *imaging.DecodeParams
	FrameIndex int
	LoopCount  int
	Delay      time.Duration
}

// LogValue implements slog.LogValuer.
func (r *Response) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("result", r.Result.String()),
		slog.Int("frame", r.FrameIndex),
		slog.Int("loop", r.LoopCount),
		slog.Duration("delay", r.Delay),
	}
	if r.Bitmap != nil {
		attrs = append(attrs, slog.Any("bitmap", r.Bitmap))
	}
	if r.Err != nil {
		attrs = append(attrs, slog.Any("error", r.Err))
	}
	return slog.GroupValue(attrs...)
}

// Callback receives presented frames.
type Callback interface {
	// OnDecode is called with each presented frame and the request
	// ID passed to the SetDecodeParams call that the frame was decoded
	// for. OnDecode is called with the decoder's lock held and must
	// not call back into the Decoder.
	OnDecode(resp *Response, requestID uint64)
}

// CallbackFunc is a function adapter for Callback.
type CallbackFunc func(resp *Response, requestID uint64)

func (f CallbackFunc) OnDecode(resp *Response, requestID uint64) { f(resp, requestID) }

// Options configures a Decoder. The zero value is valid.
type Options struct {
	// Clock is the presentation time source. If nil,
	// SystemClock is used.
	Clock Clock
	// Executor runs frame decodes. If nil, GoExecutor
	// is used.
	Executor Executor
	// Gate, if not nil, blocks background decode
	// work while closed.
	Gate *Gate

	// MinFrameDelay is the floor applied to frame
	// delays. If zero, MinFrameDelay is used.
	MinFrameDelay time.Duration
	// Copy holds the tiled copy budgets.
	Copy imaging.CopyOptions
	// ColorTransformer is passed to the frame decoder.
	ColorTransformer imaging.ColorTransformer
	// NewFrameDecoder constructs the frame decoder for
	// the image. If nil, imaging.NewFrameDecoder is used.
	NewFrameDecoder func(imaging.Metadata, imaging.ColorTransformer) imaging.FrameDecoder

	// LockGrace, if positive, selects a lock that
	// panics when held for longer than the grace
	// period.
	LockGrace time.Duration

	Log *slog.Logger
}

// Decoder is an asynchronous image decoder. All methods except Close are
// intended to be called from a single owning goroutine.
//
// Background decodes and presentation timers hold only a weak reference
// to the callback. When the Decoder becomes unreachable without being
// closed, work in flight completes without effect and the animation stops.
type Decoder struct {
	s   *sharedState
	ref *callbackRef
}

// New returns a Decoder for data, which must have been parsed. Presented
// frames are delivered to cb while the Decoder is reachable.
func New(data *imaging.EncodedImageData, cb Callback, opts *Options) (*Decoder, error) {
	if data == nil || !data.IsParsed() {
		return nil, fmt.Errorf("%w: image data not parsed", imaging.ErrInvalidArgument)
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", imaging.ErrInvalidArgument)
	}
	if opts == nil {
		opts = &Options{}
	}
	md := data.Metadata()
	s := &sharedState{
		clock:    opts.Clock,
		exec:     opts.Executor,
		gate:     opts.Gate,
		minDelay: opts.MinFrameDelay,
		copyOpts: opts.Copy,
		log:      opts.Log,
		data:     data,
		md:       md,

		newFrameDecoder:  opts.NewFrameDecoder,
		colorTransformer: opts.ColorTransformer,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.exec == nil {
		s.exec = GoExecutor{}
	}
	if s.minDelay <= 0 {
		s.minDelay = MinFrameDelay
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	s.log = s.log.With(slog.String("component", "decoder"))
	if opts.LockGrace > 0 {
		s.mu = locked.NewMutex(opts.LockGrace)
	} else {
		s.mu = &sync.Mutex{}
	}
	if s.newFrameDecoder == nil {
		s.newFrameDecoder = imaging.NewFrameDecoder
	}
	s.frameDecoder = s.newFrameDecoder(md, s.colorTransformer)
	s.ctx, s.cancel = context.WithCancelCause(context.Background())

	d := &Decoder{s: s, ref: &callbackRef{cb: cb}}
	s.callback = weak.Make(d.ref)
	runtime.AddCleanup(d, func(s *sharedState) {
		s.detach(errors.New("decoder collected"))
	}, s)
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "new decoder", slog.Any("metadata", md))
	return d, nil
}

// Metadata returns the metadata of the decoded image.
func (d *Decoder) Metadata() imaging.Metadata {
	return d.s.md
}

// HasDecoder returns whether a frame decoder is attached. It reports false
// after Close.
func (d *Decoder) HasDecoder() bool {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.s.frameDecoder != nil
}

// SetDecodeParams requests that the current frame be decoded and presented
// with params as soon as possible. It is used both for the first decode and
// for changing the size or format of an existing animation. Any buffered
// result and pending presentation are discarded. If the animation is
// stopped, playback is reset to the first frame.
func (d *Decoder) SetDecodeParams(params *imaging.DecodeParams, requestID uint64) {
	if params == nil {
		panic("nil decode params")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.setDecodeParams(params, requestID)
}

// Play resumes a stopped animation from the first frame. If the last decode
// failed, Play retries the current frame.
func (d *Decoder) Play() {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.play()
}

// Stop stops the animation and presents the first frame.
func (d *Decoder) Stop() {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.stop()
}

// Suspend pauses the animation at the current frame.
func (d *Decoder) Suspend() {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.suspend()
}

// Resume continues a suspended animation. The next frame is presented one
// frame delay after the call.
func (d *Decoder) Resume() {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.resume()
}

// State returns a snapshot of the decoder's playback state.
func (d *Decoder) State() State {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.s.state()
}

// Close detaches the callback and stops all further presentation. Work in
// flight is allowed to complete but its results are discarded. Close is
// safe to call from any goroutine and more than once.
func (d *Decoder) Close() error {
	d.s.detach(errors.New("decoder closed"))
	return nil
}

// DecodeNow synchronously decodes frame index of the decoder's image with
// params on the calling goroutine using a fresh frame decoder constructed
// as for playback. It does not affect playback state.
func (d *Decoder) DecodeNow(ctx context.Context, params *imaging.DecodeParams, index int) *Response {
	fd := d.s.newFrameDecoder(d.s.md, d.s.colorTransformer)
	return decodeNow(ctx, fd, d.s.data, params, index, d.s.copyOpts)
}

// DecodeNow synchronously decodes frame index of data with params. Animated
// images are composited from the first frame.
func DecodeNow(ctx context.Context, data *imaging.EncodedImageData, params *imaging.DecodeParams, index int, opts imaging.CopyOptions, ct imaging.ColorTransformer) *Response {
	fd := imaging.NewFrameDecoder(data.Metadata(), ct)
	return decodeNow(ctx, fd, data, params, index, opts)
}

func decodeNow(ctx context.Context, fd imaging.FrameDecoder, data *imaging.EncodedImageData, params *imaging.DecodeParams, index int, opts imaging.CopyOptions) *Response {
	resp := &Response{Params: params, FrameIndex: index}
	md := data.Metadata()
	img, delay, err := fd.DecodeFrame(ctx, data, params, index)
	if err == nil {
		resp.Delay = delay
		resp.Bitmap, err = imaging.RealizeBitmapSource(ctx, md, img, params, opts)
	}
	resp.Result = resultOf(err)
	resp.Err = err
	return resp
}
