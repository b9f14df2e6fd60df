// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"sync"
	"time"
)

// Clock is the time source for frame presentation.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// SystemClock is a Clock using the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Executor runs background decode work.
type Executor interface {
	// Go runs f asynchronously.
	Go(f func())
}

// GoExecutor runs each function in a new goroutine.
type GoExecutor struct{}

func (GoExecutor) Go(f func()) { go f() }

// Gate blocks off-thread decode work while it is closed. It is used to
// reproduce races between owner calls and in-flight decodes. The zero
// Gate is open.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// Close causes subsequent off-thread decode work to block until Open is
// called.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Open releases blocked decode work.
func (g *Gate) Open() {
	g.mu.Lock()
	g.closed = false
	if g.cond != nil {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// wait blocks while the gate is closed. A nil Gate never blocks.
func (g *Gate) wait() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed {
		if g.cond == nil {
			g.cond = sync.NewCond(&g.mu)
		}
		g.cond.Wait()
	}
}
