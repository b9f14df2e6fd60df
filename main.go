// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The animage command decodes still and animated images and writes their
// presented frames as PNG files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/kortschak/animage/internal/cache"
	"github.com/kortschak/animage/internal/config"
	"github.com/kortschak/animage/internal/dispatch"
	"github.com/kortschak/animage/internal/imaging"
	"github.com/kortschak/animage/internal/slogext"
	"github.com/kortschak/animage/internal/version"
	"github.com/kortschak/animage/internal/watch"
)

func main() {
	os.Exit(Main())
}

func Main() int {
	cfgPath := flag.String("config", "", "path to a TOML configuration file")
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	width := flag.Int("width", 0, "output width (0 for natural width)")
	height := flag.Int("height", 0, "output height (0 for natural height)")
	format := flag.String("format", "", "output pixel format (rgba8 or rgba16)")
	tile := flag.Int("tile", 0, "decode into square tiles of this size (0 for no tiling)")
	frames := flag.Int("frames", 1, "number of animation frames to write")
	index := flag.Int("index", -1, "write only this frame without playing (-1 to play)")
	out := flag.String("out", ".", "output directory")
	watchFiles := flag.Bool("watch", false, "rewrite frames when source files change")
	timeout := flag.Duration("timeout", 0, "maximum run time (0 for no limit)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [options] <image>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *v {
		err := version.Print(os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}
	if flag.NArg() == 0 || *frames < 1 || *tile < 0 {
		flag.Usage()
		return 2
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var cfg *config.Config
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			var invalid *config.InvalidError
			if errors.As(err, &invalid) {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", invalid.Paths)
			}
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	var level slog.LevelVar
	level.Set(cfg.LogLevel(slog.LevelInfo))
	if set["log"] {
		err := level.UnmarshalText([]byte(*logging))
		if err != nil {
			flag.Usage()
			return 2
		}
	}
	addSource := slogext.NewAtomicBool(cfg.AddSource(*lines))
	if set["lines"] {
		addSource.Store(*lines)
	}

	// log is the root logger.
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "animage.main"))

	pixFmt := cfg.Format(imaging.FormatRGBA8)
	if set["format"] {
		var err error
		pixFmt, err = imaging.ParsePixelFormat(*format)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}
	if *tile != 0 && (*width == 0) != (*height == 0) {
		fmt.Fprintln(os.Stderr, "tiled output requires both or neither of -width and -height")
		return 2
	}

	err := os.MkdirAll(*out, 0o755)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	loop := dispatch.NewLoop()
	go func() {
		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			mlog.LogAttrs(ctx, slog.LevelError, "run loop", slog.Any("error", err))
		}
	}()
	defer loop.Stop()
	disp := dispatch.New(loop, log)
	defer disp.Shutdown()

	copts := cfg.CacheOptions(&imaging.SVGContext{}, log)
	provider := cache.NewProvider(cache.Files{Dir: wd}, copts)
	defer provider.Clear()

	r := &renderer{
		provider: provider,
		disp:     disp,
		format:   pixFmt,
		width:    *width,
		height:   *height,
		tile:     *tile,
		frames:   *frames,
		index:    *index,
		copy:     copts.Decoder.Copy,
		out:      *out,
		done:     make(chan result, flag.NArg()),
		log:      log,
	}
	jobs, err := r.jobs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var changes chan watch.Change
	watching, debounce := cfg.Watch()
	if set["watch"] {
		watching = *watchFiles
	}
	if watching {
		changes = make(chan watch.Change)
		w, err := watch.New(provider, changes, debounce, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer w.Close()
		for _, j := range jobs {
			if j.path == "" {
				continue
			}
			err = w.Add(j.path)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
		}
		go func() {
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				mlog.LogAttrs(ctx, slog.LevelError, "watch", slog.Any("error", err))
			}
		}()
	}

	for _, j := range jobs {
		err = r.start(ctx, j)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	// failed holds the result of the most
	// recent rendering of each image.
	failed := make(map[uint64]bool)
	status := func() int {
		for _, f := range failed {
			if f {
				return 1
			}
		}
		return 0
	}
	pending := len(jobs)
	for pending > 0 || watching {
		select {
		case res := <-r.done:
			pending--
			failed[res.id] = res.err != nil
			if res.err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", res.arg, res.err)
			}
		case c := <-changes:
			if c.Err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "watch change", slog.Any("error", c.Err))
				continue
			}
			for _, j := range jobs {
				if j.path != c.Path {
					continue
				}
				mlog.LogAttrs(ctx, slog.LevelInfo, "source changed", slog.String("path", c.Path), slog.Any("op", slogext.Stringer{Stringer: c.Op}))
				pending++
				err = r.start(ctx, j)
				if err != nil {
					mlog.LogAttrs(ctx, slog.LevelWarn, "restart", slog.String("path", c.Path), slog.Any("error", err))
					pending--
				}
			}
		case <-ctx.Done():
			if pending > 0 && !watching {
				fmt.Fprintf(os.Stderr, "incomplete: %v\n", ctx.Err())
				return 1
			}
			mlog.LogAttrs(context.Background(), slog.LevelInfo, "terminating", slog.Any("reason", ctx.Err()))
			return status()
		}
	}
	return status()
}
