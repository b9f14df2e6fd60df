// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package locked provides concurrency-safe helpers.
package locked

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kortschak/goroutine"
)

// BytesBuffer is a locked bytes.Buffer for collecting log output from
// several goroutines.
type BytesBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *BytesBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *BytesBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Mutex is a deadlock debugging lock. Lock panics if the lock cannot be
// acquired within the grace period, reporting the goroutine and call site
// of the current holder. Recursive locking is reported immediately.
type Mutex struct {
	lock  chan struct{}
	grace time.Duration

	// holder is the goid of the goroutine
	// holding the lock or zero.
	holder atomic.Int64
	site   atomic.Pointer[string]
}

// NewMutex returns a usable sync.Locker with the specified grace period.
func NewMutex(grace time.Duration) sync.Locker {
	return &Mutex{lock: make(chan struct{}, 1), grace: grace}
}

// Lock locks the lock or panics after the grace period.
func (m *Mutex) Lock() {
	gid := goroutine.ID()
	if m.holder.Load() == gid {
		panic(fmt.Sprintf("recursive lock by goroutine %d: held since %s", gid, m.heldAt()))
	}
	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		panic(fmt.Sprintf("lock not acquired by goroutine %d after %v: held by goroutine %d since %s", gid, m.grace, m.holder.Load(), m.heldAt()))
	case m.lock <- struct{}{}:
		m.holder.Store(gid)
		site := "unknown"
		if _, file, line, ok := runtime.Caller(1); ok {
			site = fmt.Sprintf("%s:%d", file, line)
		}
		m.site.Store(&site)
	}
}

// Unlock unlocks the lock.
func (m *Mutex) Unlock() {
	m.holder.Store(0)
	select {
	default:
		panic("unlock of unlocked mutex")
	case <-m.lock:
	}
}

func (m *Mutex) heldAt() string {
	site := m.site.Load()
	if site == nil {
		return "unknown"
	}
	return *site
}
