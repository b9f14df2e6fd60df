// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kortschak/animage/internal/decoder"
	"github.com/kortschak/animage/internal/imaging"
)

// ErrInvalidated is returned when an invalidated entry is used.
var ErrInvalidated = errors.New("cache entry invalidated")

// Entry is a cached image. It holds the encoded data for the image and at
// most one Decoder.
type Entry struct {
	key   string
	uri   string
	scale int

	rm   ResourceManager
	opts *Options
	log  *slog.Logger

	// cb is the current callback for frames
	// presented by dec. It is not guarded by
	// mu since it is read with dec's lock held.
	cb atomic.Pointer[callback]

	mu      sync.Mutex
	handler InvalidationHandler
	data    *imaging.EncodedImageData
	dec     *decoder.Decoder
	invalid bool
}

type callback struct {
	decoder.Callback
}

func newEntry(key, canonical string, rm ResourceManager, opts *Options, log *slog.Logger) *Entry {
	return &Entry{
		key:   key,
		uri:   canonical,
		scale: ScaleQualifier(canonical),
		rm:    rm,
		opts:  opts,
		log:   log,
	}
}

// Key returns the entry's cache key. It is empty for uncacheable entries.
func (e *Entry) Key() string { return e.key }

// URI returns the canonical resource locator of the entry.
func (e *Entry) URI() string { return e.uri }

// Valid returns whether the entry has not been invalidated.
func (e *Entry) Valid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.invalid
}

// Data returns the entry's parsed image data, loading and parsing it if
// necessary.
func (e *Entry) Data(ctx context.Context) (*imaging.EncodedImageData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalid {
		return nil, ErrInvalidated
	}
	return e.load(ctx)
}

// load loads and parses the image data. A failed parse may be retried; the
// encoded bytes are only loaded once.
func (e *Entry) load(ctx context.Context) (*imaging.EncodedImageData, error) {
	if e.data == nil {
		b, err := e.rm.Load(ctx, e.uri)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", truncate(e.uri), err)
		}
		e.data = imaging.NewEncodedImageData(imaging.NewRawData(b), e.opts.Codec).WithScale(e.scale)
	}
	err := e.data.Parse(e.opts.GraphicsContext, e.opts.MaxVectorSize)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "parse", slog.String("uri", truncate(e.uri)), slog.Any("error", err))
		return nil, fmt.Errorf("parse %s: %w", truncate(e.uri), err)
	}
	return e.data, nil
}

// GetImage requests that the entry's image be decoded with params and
// presented to cb. The entry's Decoder is created on first use and
// re-parameterized by later calls, with cb replacing the previous
// callback.
func (e *Entry) GetImage(ctx context.Context, params *imaging.DecodeParams, requestID uint64, cb decoder.Callback) (*decoder.Decoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalid {
		return nil, ErrInvalidated
	}
	data, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	e.cb.Store(&callback{cb})
	if e.dec == nil {
		e.dec, err = decoder.New(data, decoder.CallbackFunc(e.onDecode), e.opts.Decoder)
		if err != nil {
			return nil, err
		}
	}
	e.dec.SetDecodeParams(params, requestID)
	return e.dec, nil
}

func (e *Entry) onDecode(resp *decoder.Response, requestID uint64) {
	cb := e.cb.Load()
	if cb == nil || cb.Callback == nil {
		return
	}
	cb.OnDecode(resp, requestID)
}

// Invalidate marks the entry as stale, closes its decoder and notifies
// the owning provider, if any, so that it can evict the entry.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	if e.invalid {
		e.mu.Unlock()
		return
	}
	e.invalid = true
	dec, h := e.dec, e.handler
	e.dec = nil
	e.handler = nil
	e.mu.Unlock()

	e.log.LogAttrs(context.Background(), slog.LevelDebug, "invalidate", slog.String("uri", truncate(e.uri)))
	if dec != nil {
		dec.Close()
	}
	if h != nil {
		h.OnCacheInvalidated(e)
	}
}

// Close closes the entry's decoder without invalidating the entry. A
// later GetImage creates a new decoder.
func (e *Entry) Close() error {
	e.mu.Lock()
	dec := e.dec
	e.dec = nil
	e.mu.Unlock()
	if dec == nil {
		return nil
	}
	return dec.Close()
}

// providerGone detaches the entry from its provider.
func (e *Entry) providerGone() {
	e.mu.Lock()
	e.handler = nil
	e.mu.Unlock()
}
