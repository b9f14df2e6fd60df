// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package watch invalidates cached images when their source files change.
package watch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kortschak/animage/internal/slogext"
)

// FileDebounce is the default duration we wait for the contents of a
// changed file to settle before reading it. Some tools truncate a file
// before writing the new content.
const FileDebounce = 10 * time.Millisecond

// Invalidator invalidates cached images for a source.
type Invalidator interface {
	// Invalidate invalidates all cache entries for the
	// image at uri and returns the number invalidated.
	Invalidate(uri string) (int, error)
}

// Change is a semantically meaningful change to a watched file.
type Change struct {
	Path        string
	Op          fsnotify.Op
	Invalidated int
	Err         error
}

// Sum is a file content hash.
type Sum [sha1.Size]byte

func (s Sum) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(s[:]))
}

// Watcher watches image source files and invalidates their cache entries
// when the file contents change.
type Watcher struct {
	inv      Invalidator
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- Change
	log      *slog.Logger

	mu sync.Mutex
	// files holds the last seen content
	// hash of each watched file.
	files map[string]Sum
	// dirs holds the number of watched
	// files in each watched directory.
	dirs map[string]int
}

// New returns a new Watcher. If changes is not nil, each invalidation is
// reported on it. The debounce parameter specifies how long to wait after
// an fsnotify.Event before reading the file. If it is less than zero,
// FileDebounce is used.
func New(inv Invalidator, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce < 0 {
		debounce = FileDebounce
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		inv:      inv,
		debounce: debounce,
		watcher:  w,
		changes:  changes,
		log:      log.With(slog.String("component", "watch")),
		files:    make(map[string]Sum),
		dirs:     make(map[string]int),
	}, nil
}

// Add adds the file at path to the watched set. The directory holding
// the file is watched so that replacement by rename is seen.
func (w *Watcher) Add(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	sum, err := hashFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return nil
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		err = w.watcher.Add(dir)
		if err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[path] = sum
	w.log.LogAttrs(context.Background(), slog.LevelDebug, "add", slog.String("path", path), slog.Any("sum", sum))
	return nil
}

// Remove removes the file at path from the watched set.
func (w *Watcher) Remove(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return nil
	}
	delete(w.files, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	return w.watcher.Remove(dir)
}

// Watched returns whether path is in the watched set.
func (w *Watcher) Watched(path string) bool {
	path, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	_, ok := w.files[path]
	w.mu.Unlock()
	return ok
}

// Run processes file system events until ctx is done or the Watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.LogAttrs(ctx, slog.LevelError, "watch", slog.Any("error", err))
			w.send(ctx, Change{Err: err})
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.mu.Lock()
	last, ok := w.files[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	var sum Sum
	switch {
	case ev.Has(fsnotify.Write | fsnotify.Create):
		w.log.LogAttrs(ctx, slog.LevelDebug, "write", slog.String("path", path), slog.Any("op", slogext.Stringer{Stringer: ev.Op}))
		time.Sleep(w.debounce)
		var err error
		sum, err = hashFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed while settling; the
				// remove event will follow.
				return
			}
			w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.String("path", path), slog.Any("error", err))
			w.send(ctx, Change{Path: path, Op: ev.Op, Err: err})
			return
		}
		if sum == last {
			w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.String("path", path), slog.Any("sum", sum))
			return
		}

	// A rename or removal leaves the image unavailable
	// until a create at the same path is seen.
	case ev.Has(fsnotify.Rename | fsnotify.Remove):
		w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("path", path), slog.Any("op", slogext.Stringer{Stringer: ev.Op}))
		if last == (Sum{}) {
			return
		}

	default:
		return
	}

	w.mu.Lock()
	if _, ok := w.files[path]; ok {
		w.files[path] = sum
	}
	w.mu.Unlock()

	n, err := w.inv.Invalidate(path)
	w.log.LogAttrs(ctx, slog.LevelInfo, "invalidate", slog.String("path", path), slog.Int("entries", n), slog.Any("sum", sum))
	w.send(ctx, Change{Path: path, Op: ev.Op, Invalidated: n, Err: err})
}

func (w *Watcher) send(ctx context.Context, c Change) {
	if w.changes == nil {
		return
	}
	select {
	case w.changes <- c:
	case <-ctx.Done():
	}
}

// Close stops the Watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// hashFile returns the content hash of the file at path. A missing file
// has the zero hash.
func hashFile(path string) (Sum, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Sum{}, err
	}
	return sha1.Sum(b), nil
}
