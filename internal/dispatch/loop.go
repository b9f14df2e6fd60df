// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kortschak/goroutine"
)

// Loop is a run loop executing posted functions in order on the goroutine
// calling Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	gid atomic.Int64
}

// NewLoop returns a new Loop.
func NewLoop() *Loop {
	return &Loop{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues f to be run by the loop. Post does not block and may be
// called from the loop's goroutine.
func (l *Loop) Post(f func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrShutdown
	}
	l.pending = append(l.pending, f)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run runs posted functions until ctx is done or Stop is called. Functions
// remaining after Stop are not run.
func (l *Loop) Run(ctx context.Context) error {
	l.gid.Store(goroutine.ID())
	defer l.gid.Store(0)
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.signal:
		}
		l.mu.Lock()
		fns := l.pending
		l.pending = nil
		l.mu.Unlock()
		for _, f := range fns {
			select {
			case <-l.done:
				return nil
			default:
			}
			f()
		}
	}
}

// Stop stops the loop. It is safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// OnLoop returns whether the caller is running on the loop's goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutine.ID()
}
