// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides animage configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/animage/internal/cache"
	"github.com/kortschak/animage/internal/decoder"
	"github.com/kortschak/animage/internal/imaging"
)

// Config is a complete configuration.
type Config struct {
	Decode *Decode `json:"decode,omitempty" toml:"decode"`
	Cache  *Cache  `json:"cache,omitempty" toml:"cache"`
	Log    *Log    `json:"log,omitempty" toml:"log"`
}

// Decode is the decoder configuration.
type Decode struct {
	// Format is the output pixel format, "rgba8"
	// or "rgba16".
	Format *string `json:"format,omitempty" toml:"format"`
	// MinFrameDelay is the shortest interval
	// between animation frames.
	MinFrameDelay *Duration `json:"min_frame_delay,omitempty" toml:"min_frame_delay"`
	// CopyBudget and RotatedCopyBudget are the
	// strip sizes in bytes for tiled copies of
	// unrotated and rotated frames.
	CopyBudget        *int `json:"copy_budget,omitempty" toml:"copy_budget"`
	RotatedCopyBudget *int `json:"rotated_copy_budget,omitempty" toml:"rotated_copy_budget"`
	// MaxVectorWidth and MaxVectorHeight bound the
	// raster size of vector images.
	MaxVectorWidth  *int `json:"max_vector_width,omitempty" toml:"max_vector_width"`
	MaxVectorHeight *int `json:"max_vector_height,omitempty" toml:"max_vector_height"`
	// LockGrace, if set, selects a decoder lock
	// that panics when held longer than the grace
	// period.
	LockGrace *Duration `json:"lock_grace,omitempty" toml:"lock_grace"`
}

// Cache is the image cache configuration.
type Cache struct {
	// Disabled prevents sharing of decoded images.
	Disabled bool `json:"disabled,omitempty" toml:"disabled"`
	// Watch invalidates cached images when their
	// source files change.
	Watch bool `json:"watch,omitempty" toml:"watch"`
	// Debounce is the time to wait for a changed
	// file to settle before reading it.
	Debounce *Duration `json:"debounce,omitempty" toml:"debounce"`
}

// Log is the logging configuration.
type Log struct {
	Level     *slog.Level `json:"level,omitempty" toml:"level"`
	AddSource *bool       `json:"add_source,omitempty" toml:"add_source"`
}

// Duration is a time.Duration that is represented as text.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Schema is the schema for a valid configuration.
const Schema = `
close({
	decode?: _#decode
	cache?:  _#cache
	log?:    _#log
})

_#decode: {
	format?:              "rgba8" | "rgba16"
	min_frame_delay?:     _#duration
	copy_budget?:         int & >0
	rotated_copy_budget?: int & >0
	max_vector_width?:    int & >=0
	max_vector_height?:   int & >=0
	lock_grace?:          _#duration
}

_#cache: {
	disabled?: bool
	watch?:    bool
	debounce?: _#duration
}

_#log: {
	level?:      _#log_level
	add_source?: bool
}

_#duration:  =~"^(?:[0-9]+(?:\\.[0-9]*)?(?:ns|us|µs|ms|s|m|h))+$"
_#log_level: =~"(?i)^(?:debug|info|warn|error)(?:[+-][0-9]+)?$"
`

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses and validates a TOML configuration.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(b), &cfg)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) != 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	paths, err := Validate(Schema, &cfg)
	if err != nil {
		return nil, &InvalidError{Paths: paths, Err: err}
	}
	return &cfg, nil
}

// InvalidError is returned when a configuration does not satisfy the
// schema.
type InvalidError struct {
	// Paths holds the invalid field paths.
	Paths [][]string
	Err   error
}

func (e *InvalidError) Error() string {
	return e.Err.Error()
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}

// Format returns the configured pixel format, or def if not set.
func (c *Config) Format(def imaging.PixelFormat) imaging.PixelFormat {
	if c == nil || c.Decode == nil || c.Decode.Format == nil {
		return def
	}
	f, err := imaging.ParsePixelFormat(*c.Decode.Format)
	if err != nil {
		// The schema only admits valid formats.
		panic(err)
	}
	return f
}

// DecoderOptions returns the decoder options described by the
// configuration.
func (c *Config) DecoderOptions(log *slog.Logger) *decoder.Options {
	opts := &decoder.Options{
		Copy: imaging.CopyOptions{
			Budget:        imaging.DefaultCopyBudget,
			RotatedBudget: imaging.DefaultRotatedCopyBudget,
		},
		Log: log,
	}
	if c == nil || c.Decode == nil {
		return opts
	}
	d := c.Decode
	if d.MinFrameDelay != nil {
		opts.MinFrameDelay = d.MinFrameDelay.Duration
	}
	if d.CopyBudget != nil {
		opts.Copy.Budget = *d.CopyBudget
	}
	if d.RotatedCopyBudget != nil {
		opts.Copy.RotatedBudget = *d.RotatedCopyBudget
	}
	if d.LockGrace != nil {
		opts.LockGrace = d.LockGrace.Duration
	}
	return opts
}

// CacheOptions returns the image cache options described by the
// configuration.
func (c *Config) CacheOptions(gc imaging.GraphicsContext, log *slog.Logger) *cache.Options {
	opts := &cache.Options{
		GraphicsContext: gc,
		Decoder:         c.DecoderOptions(log),
		Log:             log,
	}
	if c == nil {
		return opts
	}
	if c.Cache != nil {
		opts.Disabled = c.Cache.Disabled
	}
	if c.Decode != nil {
		if c.Decode.MaxVectorWidth != nil {
			opts.MaxVectorSize.X = *c.Decode.MaxVectorWidth
		}
		if c.Decode.MaxVectorHeight != nil {
			opts.MaxVectorSize.Y = *c.Decode.MaxVectorHeight
		}
	}
	return opts
}

// Watch returns whether source watching is enabled and the debounce
// interval to use. A negative debounce indicates the default.
func (c *Config) Watch() (enabled bool, debounce time.Duration) {
	if c == nil || c.Cache == nil {
		return false, -1
	}
	debounce = -1
	if c.Cache.Debounce != nil {
		debounce = c.Cache.Debounce.Duration
	}
	return c.Cache.Watch, debounce
}

// LogLevel returns the configured log level, or def if not set.
func (c *Config) LogLevel(def slog.Level) slog.Level {
	if c == nil || c.Log == nil || c.Log.Level == nil {
		return def
	}
	return *c.Log.Level
}

// AddSource returns whether source positions should be logged, or def if
// not set.
func (c *Config) AddSource(def bool) bool {
	if c == nil || c.Log == nil || c.Log.AddSource == nil {
		return def
	}
	return *c.Log.AddSource
}

// Merge returns the configuration with fields set in o replacing those in
// c. Neither c nor o is modified.
func (c *Config) Merge(o *Config) *Config {
	if c == nil {
		return o
	}
	if o == nil {
		return c
	}
	m := *c
	if o.Decode != nil {
		d := Decode{}
		if c.Decode != nil {
			d = *c.Decode
		}
		od := o.Decode
		d.Format = replace(d.Format, od.Format)
		d.MinFrameDelay = replace(d.MinFrameDelay, od.MinFrameDelay)
		d.CopyBudget = replace(d.CopyBudget, od.CopyBudget)
		d.RotatedCopyBudget = replace(d.RotatedCopyBudget, od.RotatedCopyBudget)
		d.MaxVectorWidth = replace(d.MaxVectorWidth, od.MaxVectorWidth)
		d.MaxVectorHeight = replace(d.MaxVectorHeight, od.MaxVectorHeight)
		d.LockGrace = replace(d.LockGrace, od.LockGrace)
		m.Decode = &d
	}
	if o.Cache != nil {
		cc := *o.Cache
		if cc.Debounce == nil && c.Cache != nil {
			cc.Debounce = c.Cache.Debounce
		}
		m.Cache = &cc
	}
	if o.Log != nil {
		l := Log{}
		if c.Log != nil {
			l = *c.Log
		}
		l.Level = replace(l.Level, o.Log.Level)
		l.AddSource = replace(l.AddSource, o.Log.AddSource)
		m.Log = &l
	}
	return &m
}

func replace[T any](dst, src *T) *T {
	if src != nil {
		return src
	}
	return dst
}
