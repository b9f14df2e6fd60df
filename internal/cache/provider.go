// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache provides a deduplicating cache of decodable images keyed by
// canonical resource locator.
package cache

import (
	"context"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kortschak/animage/internal/decoder"
	"github.com/kortschak/animage/internal/imaging"
)

// InvalidationHandler is notified when a cache entry's content is no
// longer valid.
type InvalidationHandler interface {
	OnCacheInvalidated(e *Entry)
}

// Options configures a Provider. The zero value is valid.
type Options struct {
	// Disabled prevents entries from being shared.
	Disabled bool

	// Codec is used to open encoded images. If nil,
	// imaging.StdCodec is used.
	Codec imaging.Codec
	// GraphicsContext is used to open vector images.
	GraphicsContext imaging.GraphicsContext
	// MaxVectorSize bounds the raster size of vector
	// images.
	MaxVectorSize image.Point

	// Decoder is used to configure the decoders
	// created by entries.
	Decoder *decoder.Options

	Log *slog.Logger
}

// Provider is a cache of image entries.
type Provider struct {
	rm   ResourceManager
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	epoch   uint64
}

// NewProvider returns a new Provider using rm to resolve resources.
func NewProvider(rm ResourceManager, opts *Options) *Provider {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		rm:      rm,
		opts:    *opts,
		log:     log.With(slog.String("component", "cache")),
		entries: make(map[string]*Entry),
	}
}

// Key returns the cache key for uri and its canonical form. The key is
// empty if the resource is not cacheable.
func (p *Provider) Key(uri string) (key, canonical string, err error) {
	canonical, err = p.rm.Canonicalize(uri)
	if err != nil {
		return "", "", err
	}
	if p.opts.Disabled || !p.rm.Cacheable(canonical) {
		return "", canonical, nil
	}
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	return cacheKey(canonical, epoch), canonical, nil
}

func cacheKey(canonical string, epoch uint64) string {
	return canonical + "#" + strconv.FormatUint(epoch, 10)
}

// EnsureCacheEntry returns the cache entry for uri, creating it if it does
// not exist. Two calls with the same canonical uri during the same
// invalidation epoch return the same Entry unless the resource is not
// cacheable or the entry has been invalidated.
func (p *Provider) EnsureCacheEntry(uri string) (*Entry, error) {
	canonical, err := p.rm.Canonicalize(uri)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var key string
	if !p.opts.Disabled && p.rm.Cacheable(canonical) {
		key = cacheKey(canonical, p.epoch)
		if e, ok := p.entries[key]; ok {
			p.log.LogAttrs(context.Background(), slog.LevelDebug, "cache hit", slog.String("key", key))
			return e, nil
		}
	}
	e := newEntry(key, canonical, p.rm, &p.opts, p.log)
	if key != "" {
		e.handler = p
		p.entries[key] = e
		p.log.LogAttrs(context.Background(), slog.LevelDebug, "cache add", slog.String("key", key))
	} else {
		p.log.LogAttrs(context.Background(), slog.LevelDebug, "uncached entry", slog.String("uri", truncate(canonical)))
	}
	return e, nil
}

// OnCacheInvalidated removes e from the cache.
func (p *Provider) OnCacheInvalidated(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.key] == e {
		delete(p.entries, e.key)
		p.log.LogAttrs(context.Background(), slog.LevelDebug, "cache evict", slog.String("key", e.key))
	}
}

// Invalidate invalidates all entries for the resource identified by uri.
// It returns the number of entries invalidated.
func (p *Provider) Invalidate(uri string) (int, error) {
	canonical, err := p.rm.Canonicalize(uri)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	var stale []*Entry
	for _, e := range p.entries {
		if e.uri == canonical {
			stale = append(stale, e)
		}
	}
	p.mu.Unlock()

	// Entries call back into the provider.
	for _, e := range stale {
		e.Invalidate()
	}
	return len(stale), nil
}

// BumpEpoch starts a new invalidation epoch. Entries created before the
// bump are no longer returned by EnsureCacheEntry but remain usable by
// holders.
func (p *Provider) BumpEpoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.log.LogAttrs(context.Background(), slog.LevelDebug, "bump epoch", slog.Uint64("epoch", p.epoch))
	return p.epoch
}

// Len returns the number of cached entries.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear drops all entries from the cache. Each dropped entry is told that
// its provider is gone, so it will no longer report invalidation.
func (p *Provider) Clear() {
	p.mu.Lock()
	old := p.entries
	p.entries = make(map[string]*Entry)
	p.mu.Unlock()
	for _, e := range old {
		e.providerGone()
	}
	p.log.LogAttrs(context.Background(), slog.LevelDebug, "cache clear", slog.Int("dropped", len(old)))
}
