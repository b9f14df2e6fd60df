// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"
	"image"
	"log/slog"
	"errors"
	"sync"
	"time"
	"weak"

	"github.com/kortschak/animage/internal/imaging"
)

// State is a snapshot of a Decoder's playback state.
type State struct {
	Stopped          bool
	Suspended        bool
	DecodeInProgress bool
	HasResult        bool
	Complete         bool
	FrameIndex       int
	LoopCount        int
	NextPresent      time.Time
	Err              error
}

// errOwnerCollected is the detach cause when the callback's owning
// Decoder has been collected.
var errOwnerCollected = errors.New("decoder owner collected")

// callbackRef holds the callback. It is strongly reachable only from the
// Decoder so that it does not outlive its owner.
type callbackRef struct {
	cb Callback
}

// sharedState is the state shared between the owning goroutine, background
// decode work and presentation timers. All fields below mu are guarded by
// it. Background and timer closures hold only the sharedState so that they
// may outlive the Decoder. The sharedState must not reference the Decoder
// or the callback other than through the weak callback pointer.
type sharedState struct {
	clock    Clock
	exec     Executor
	gate     *Gate
	minDelay time.Duration
	copyOpts imaging.CopyOptions
	log      *slog.Logger
	data     *imaging.EncodedImageData
	md       imaging.Metadata

	// newFrameDecoder and colorTransformer
	// construct frame decoders for the image.
	newFrameDecoder  func(imaging.Metadata, imaging.ColorTransformer) imaging.FrameDecoder
	colorTransformer imaging.ColorTransformer

	// ctx is cancelled when the Decoder is detached.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu sync.Locker

	callback     weak.Pointer[callbackRef]
	detached     bool
	frameDecoder imaging.FrameDecoder

	params     *imaging.DecodeParams
	requestID  uint64
	generation uint64

	stopped   bool
	suspended bool
	started   bool

	decodeInProgress   bool
	hasResult          bool
	presentAfterDecode bool

	// shown is set when the frame at frameIndex has
	// been presented and playback has not yet advanced.
	shown    bool
	complete bool

	frameIndex int
	loopCount  int

	result      image.Image
	resultDelay time.Duration
	lastErr     error

	// nextDelay is the delay of the last
	// presented frame.
	nextDelay   time.Duration
	nextPresent time.Time

	timer    Timer
	timerSeq uint64
}

func (s *sharedState) state() State {
	return State{
		Stopped:          s.stopped,
		Suspended:        s.suspended,
		DecodeInProgress: s.decodeInProgress,
		HasResult:        s.hasResult,
		Complete:         s.complete,
		FrameIndex:       s.frameIndex,
		LoopCount:        s.loopCount,
		NextPresent:      s.nextPresent,
		Err:              s.lastErr,
	}
}

// detach removes the callback and releases the frame decoder. Background
// work that completes after detach is discarded.
func (s *sharedState) detach(cause error) {
	s.cancel(cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(cause)
}

func (s *sharedState) detachLocked(cause error) {
	if s.detached {
		return
	}
	s.cancel(cause)
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "detach", slog.Any("cause", cause))
	s.detached = true
	s.callback = weak.Pointer[callbackRef]{}
	s.frameDecoder = nil
	s.cancelTimer()
	s.result = nil
	s.hasResult = false
}

// resolveCallback returns the callback, or nil if the decoder has been
// detached or its owner collected. Resolving a collected owner detaches
// the state so that background work stops.
func (s *sharedState) resolveCallback() Callback {
	if s.detached {
		return nil
	}
	ref := s.callback.Value()
	if ref == nil {
		s.detachLocked(errOwnerCollected)
		return nil
	}
	return ref.cb
}

func (s *sharedState) setDecodeParams(params *imaging.DecodeParams, requestID uint64) {
	if s.detached {
		return
	}
	if !s.started {
		s.started = true
		s.stopped = !params.Autoplay
	}
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "set decode params", slog.Uint64("request_id", requestID), slog.Any("params", params))
	s.cancelTimer()
	s.params = params
	s.requestID = requestID
	s.generation++
	s.result = nil
	s.hasResult = false
	s.lastErr = nil
	s.presentAfterDecode = true
	if s.stopped {
		s.frameIndex = 0
		s.loopCount = 0
		s.complete = false
	}
	// The frame at frameIndex is presented again
	// with the new parameters.
	s.shown = false
	s.setupDecodeCurrentFrame()
}

func (s *sharedState) play() {
	if s.detached || s.params == nil {
		return
	}
	if s.lastErr != nil {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "retry frame", slog.Int("frame", s.frameIndex))
		s.lastErr = nil
		s.shown = false
		s.presentAfterDecode = true
		s.setupDecodeCurrentFrame()
	}
	if !s.stopped {
		return
	}
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "play")
	s.stopped = false
	s.complete = false
	s.nextPresent = s.clock.Now().Add(s.nextDelay)
	s.continueAnimation()
}

func (s *sharedState) stop() {
	if s.detached || s.stopped {
		return
	}
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "stop")
	s.stopped = true
	s.cancelTimer()
	s.frameIndex = 0
	s.loopCount = 0
	s.shown = false
	s.complete = false
	if s.params == nil {
		return
	}
	s.result = nil
	s.hasResult = false
	s.presentAfterDecode = true
	s.setupDecodeCurrentFrame()
}

func (s *sharedState) suspend() {
	if s.detached || s.suspended {
		return
	}
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "suspend", slog.Int("frame", s.frameIndex))
	s.suspended = true
	s.cancelTimer()
}

func (s *sharedState) resume() {
	if s.detached || !s.suspended {
		return
	}
	s.suspended = false
	s.nextPresent = s.clock.Now().Add(s.nextDelay)
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "resume", slog.Int("frame", s.frameIndex), slog.Time("next_present", s.nextPresent))
	if s.presentAfterDecode && !s.decodeInProgress {
		// A present was requested while suspended
		// and the decode it was waiting for has
		// not been started.
		s.setupDecodeCurrentFrame()
		return
	}
	s.continueAnimation()
}

// continueAnimation advances past a presented frame and arranges for the
// next frame to be decoded and presented at nextPresent.
func (s *sharedState) continueAnimation() {
	if s.stopped || s.suspended || s.complete || s.lastErr != nil || s.params == nil {
		return
	}
	if !s.md.IsAnimated() {
		return
	}
	if s.shown {
		if !s.advance() {
			s.complete = true
			s.log.LogAttrs(s.ctx, slog.LevelDebug, "animation complete", slog.Int("frame", s.frameIndex), slog.Int("loop", s.loopCount))
			return
		}
		s.shown = false
	}
	if !s.hasResult {
		s.setupDecodeCurrentFrame()
	}
	if !s.presentAfterDecode {
		s.scheduleNextPresent()
	}
}

// advance moves to the next frame, wrapping to the first frame and
// incrementing the loop count at the end of the frame sequence. It
// returns false if the final loop has completed. A loop count of zero
// loops forever.
func (s *sharedState) advance() bool {
	next, loop := s.frameIndex+1, s.loopCount
	if next >= s.md.FrameCount {
		next = 0
		loop++
	}
	if s.md.LoopCount != 0 && loop >= s.md.LoopCount {
		return false
	}
	s.frameIndex, s.loopCount = next, loop
	return true
}

// setupDecodeCurrentFrame starts a background decode of the frame at
// frameIndex unless a decode is already in flight.
func (s *sharedState) setupDecodeCurrentFrame() {
	if s.decodeInProgress || s.frameDecoder == nil {
		return
	}
	s.decodeInProgress = true
	var (
		fd     = s.frameDecoder
		params = s.params
		index  = s.frameIndex
		gen    = s.generation
	)
	s.exec.Go(func() {
		s.gate.wait()
		img, delay, err := fd.DecodeFrame(s.ctx, s.data, params, index)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onDecodeCurrentFrame(index, gen, img, delay, err)
	})
}

// onDecodeCurrentFrame installs a decoded frame. Results for a frame or
// decode parameters that are no longer current are discarded and the
// current frame is decoded again.
func (s *sharedState) onDecodeCurrentFrame(index int, gen uint64, img image.Image, delay time.Duration, err error) {
	s.decodeInProgress = false
	if s.resolveCallback() == nil {
		return
	}
	if index != s.frameIndex || gen != s.generation {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "discard stale decode",
			slog.Int("frame", index), slog.Int("current_frame", s.frameIndex),
			slog.Uint64("generation", gen), slog.Uint64("current_generation", s.generation),
		)
		if s.presentAfterDecode || !s.suspended {
			s.setupDecodeCurrentFrame()
		}
		return
	}
	if err != nil {
		s.lastErr = err
	} else {
		s.result = img
	}
	if s.md.IsAnimated() {
		delay = max(delay, s.minDelay)
	}
	s.resultDelay = delay
	s.hasResult = true
	if s.presentAfterDecode {
		s.presentAndProceedToNextFrame()
	}
}

// scheduleNextPresent arms the presentation timer for nextPresent.
func (s *sharedState) scheduleNextPresent() {
	s.cancelTimer()
	d := max(s.nextPresent.Sub(s.clock.Now()), 0)
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onPresentTimer(seq)
	})
}

func (s *sharedState) cancelTimer() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerSeq++
}

func (s *sharedState) onPresentTimer(seq uint64) {
	if seq != s.timerSeq || s.resolveCallback() == nil {
		return
	}
	s.timer = nil
	if s.stopped || s.suspended {
		return
	}
	if !s.hasResult {
		s.presentAfterDecode = true
		return
	}
	s.presentAndProceedToNextFrame()
}

// presentAndProceedToNextFrame realizes the decoded frame, delivers it to
// the callback and, if the animation continues, starts work on the next
// frame.
func (s *sharedState) presentAndProceedToNextFrame() {
	cb := s.resolveCallback()
	if cb == nil {
		return
	}
	s.hasResult = false
	s.presentAfterDecode = false
	img, err := s.result, s.lastErr
	s.result = nil

	resp := &Response{
		Params:     s.params,
		FrameIndex: s.frameIndex,
		LoopCount:  s.loopCount,
		Delay:      s.resultDelay,
	}
	if err == nil {
		resp.Bitmap, err = imaging.RealizeBitmapSource(s.ctx, s.md, img, s.params, s.copyOpts)
		if err != nil {
			s.lastErr = err
		}
	}
	resp.Result = resultOf(err)
	resp.Err = err

	level := slog.LevelDebug
	if resp.Result == ResultFailed || resp.Result == ResultDeviceLost {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(s.ctx, level, "present", slog.Uint64("request_id", s.requestID), slog.Any("response", resp))

	cb.OnDecode(resp, s.requestID)
	if err != nil {
		return
	}

	now := s.clock.Now()
	if s.nextPresent.Before(now) {
		s.nextPresent = now
	}
	s.nextDelay = s.resultDelay
	s.nextPresent = s.nextPresent.Add(s.nextDelay)
	s.shown = true
	s.continueAnimation()
}
