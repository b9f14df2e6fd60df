// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/animage/internal/imaging"
)

func ptr[T any](v T) *T { return &v }

var parseTests = []struct {
	name      string
	config    string
	want      *Config
	wantPaths [][]string
	wantErr   string
}{
	{
		name:   "empty",
		config: "",
		want:   &Config{},
	},
	{
		name: "complete",
		config: `
[decode]
format = "rgba16"
min_frame_delay = "20ms"
copy_budget = 4096
rotated_copy_budget = 8192
max_vector_width = 640
max_vector_height = 480
lock_grace = "5s"

[cache]
disabled = true
watch = true
debounce = "100ms"

[log]
level = "debug"
add_source = true
`,
		want: &Config{
			Decode: &Decode{
				Format:            ptr("rgba16"),
				MinFrameDelay:     &Duration{20 * time.Millisecond},
				CopyBudget:        ptr(4096),
				RotatedCopyBudget: ptr(8192),
				MaxVectorWidth:    ptr(640),
				MaxVectorHeight:   ptr(480),
				LockGrace:         &Duration{5 * time.Second},
			},
			Cache: &Cache{
				Disabled: true,
				Watch:    true,
				Debounce: &Duration{100 * time.Millisecond},
			},
			Log: &Log{
				Level:     ptr(slog.LevelDebug),
				AddSource: ptr(true),
			},
		},
	},
	{
		name: "invalid_format",
		config: `
[decode]
format = "rgb565"
`,
		wantPaths: [][]string{{"decode", "format"}},
	},
	{
		name: "invalid_budgets",
		config: `
[decode]
copy_budget = 0
rotated_copy_budget = -1
`,
		wantPaths: [][]string{
			{"decode", "copy_budget"},
			{"decode", "rotated_copy_budget"},
		},
	},
	{
		name: "negative_duration",
		config: `
[decode]
min_frame_delay = "-1s"
`,
		wantPaths: [][]string{{"decode", "min_frame_delay"}},
	},
	{
		name: "unknown_key",
		config: `
[decode]
colour = "red"
`,
		wantErr: "unknown configuration keys: decode.colour",
	},
}

func TestParse(t *testing.T) {
	for _, test := range parseTests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse([]byte(test.config))
			switch {
			case test.wantErr != "":
				if err == nil || err.Error() != test.wantErr {
					t.Errorf("unexpected error: got:%v want:%s", err, test.wantErr)
				}
				return
			case test.wantPaths != nil:
				var invalid *InvalidError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected invalid configuration error: got:%v", err)
				}
				if !cmp.Equal(test.wantPaths, invalid.Paths) {
					t.Errorf("unexpected paths:\n--- want:\n+++ got:\n%s", cmp.Diff(test.wantPaths, invalid.Paths))
				}
				return
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}
			if !cmp.Equal(test.want, got) {
				t.Errorf("unexpected configuration:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, got))
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "animage.toml")
	err := os.WriteFile(path, []byte("[decode]\nformat = \"bgr\"\n"), 0o600)
	if err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err = Load(path)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.HasPrefix(err.Error(), path+": ") {
		t.Errorf("error does not name config file: %v", err)
	}

	_, err = Load(filepath.Join(dir, "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("unexpected error for missing file: got:%v want:%v", err, os.ErrNotExist)
	}
}

func TestOptions(t *testing.T) {
	var nilConfig *Config
	if got := nilConfig.Format(imaging.FormatRGBA8); got != imaging.FormatRGBA8 {
		t.Errorf("unexpected default format: got:%v want:%v", got, imaging.FormatRGBA8)
	}
	if got := nilConfig.LogLevel(slog.LevelWarn); got != slog.LevelWarn {
		t.Errorf("unexpected default log level: got:%v want:%v", got, slog.LevelWarn)
	}
	dopts := nilConfig.DecoderOptions(nil)
	if dopts.Copy.Budget != imaging.DefaultCopyBudget || dopts.Copy.RotatedBudget != imaging.DefaultRotatedCopyBudget {
		t.Errorf("unexpected default copy options: %+v", dopts.Copy)
	}

	cfg, err := Parse([]byte(`
[decode]
format = "rgba16"
min_frame_delay = "10ms"
copy_budget = 64
max_vector_width = 100

[cache]
watch = true
debounce = "1s"

[log]
level = "error"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Format(imaging.FormatRGBA8); got != imaging.FormatRGBA16 {
		t.Errorf("unexpected format: got:%v want:%v", got, imaging.FormatRGBA16)
	}
	dopts = cfg.DecoderOptions(nil)
	if dopts.MinFrameDelay != 10*time.Millisecond {
		t.Errorf("unexpected minimum frame delay: got:%v want:%v", dopts.MinFrameDelay, 10*time.Millisecond)
	}
	if dopts.Copy.Budget != 64 || dopts.Copy.RotatedBudget != imaging.DefaultRotatedCopyBudget {
		t.Errorf("unexpected copy options: %+v", dopts.Copy)
	}
	copts := cfg.CacheOptions(nil, nil)
	if want := (image.Point{X: 100}); copts.MaxVectorSize != want {
		t.Errorf("unexpected vector bound: got:%v want:%v", copts.MaxVectorSize, want)
	}
	if copts.Disabled {
		t.Error("unexpected disabled cache")
	}
	watch, debounce := cfg.Watch()
	if !watch || debounce != time.Second {
		t.Errorf("unexpected watch settings: got:%t,%v want:true,1s", watch, debounce)
	}
	if got := cfg.LogLevel(slog.LevelInfo); got != slog.LevelError {
		t.Errorf("unexpected log level: got:%v want:%v", got, slog.LevelError)
	}
	if cfg.AddSource(false) {
		t.Error("unexpected add source")
	}
}

func TestMerge(t *testing.T) {
	base := &Config{
		Decode: &Decode{
			Format:     ptr("rgba8"),
			CopyBudget: ptr(1024),
		},
		Cache: &Cache{Debounce: &Duration{time.Second}},
		Log:   &Log{Level: ptr(slog.LevelInfo)},
	}
	over := &Config{
		Decode: &Decode{Format: ptr("rgba16")},
		Cache:  &Cache{Watch: true},
		Log:    &Log{AddSource: ptr(true)},
	}
	want := &Config{
		Decode: &Decode{
			Format:     ptr("rgba16"),
			CopyBudget: ptr(1024),
		},
		Cache: &Cache{Watch: true, Debounce: &Duration{time.Second}},
		Log:   &Log{Level: ptr(slog.LevelInfo), AddSource: ptr(true)},
	}
	got := base.Merge(over)
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected merge:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
	if *base.Decode.Format != "rgba8" {
		t.Error("merge modified receiver")
	}
	if base.Merge(nil) != base {
		t.Error("merge with nil did not return receiver")
	}
}
