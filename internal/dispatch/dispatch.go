// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch provides delivery of work from background goroutines
// onto a single designated goroutine.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kortschak/animage/internal/decoder"
)

// ErrShutdown is returned when work is queued after shutdown.
var ErrShutdown = errors.New("dispatcher shut down")

// Task is a unit of work executed by a Dispatcher.
type Task interface {
	Execute()
	RequestID() uint64
}

// Scheduler runs functions on the designated goroutine.
type Scheduler interface {
	Post(f func()) error
}

// Dispatcher queues tasks for execution on a Scheduler's goroutine.
// Queued tasks are executed in order. Repeated queueing before the queue
// is flushed schedules a single flush.
type Dispatcher struct {
	sched Scheduler
	log   *slog.Logger

	mu        sync.Mutex
	queue     []Task
	scheduled bool
	shutdown  bool

	// throttled holds queued tasks until
	// credits are replenished.
	throttled bool
	credits   int
}

// New returns a new Dispatcher that runs tasks via s.
func New(s Scheduler, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{sched: s, log: log.With(slog.String("component", "dispatch"))}
}

// QueueTask adds t to the queue and ensures a flush is scheduled.
func (d *Dispatcher) QueueTask(t Task) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.queue = append(d.queue, t)
	err := d.scheduleFlush()
	d.mu.Unlock()
	return err
}

// scheduleFlush schedules a flush unless one is already pending or the
// queue cannot make progress. It must be called with d.mu held.
func (d *Dispatcher) scheduleFlush() error {
	if d.scheduled || len(d.queue) == 0 || (d.throttled && d.credits == 0) {
		return nil
	}
	err := d.sched.Post(d.flush)
	if err != nil {
		return err
	}
	d.scheduled = true
	return nil
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	d.scheduled = false
	n := len(d.queue)
	if d.throttled {
		n = min(n, d.credits)
		d.credits -= n
	}
	tasks := d.queue[:n:n]
	d.queue = d.queue[n:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	d.mu.Unlock()

	for _, t := range tasks {
		d.log.LogAttrs(context.Background(), slog.LevelDebug, "execute", slog.Uint64("request_id", t.RequestID()))
		t.Execute()
	}
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// SetThrottle sets whether task execution is throttled. While throttled,
// queued tasks are only executed when credits are available. It is
// intended for tests.
func (d *Dispatcher) SetThrottle(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.throttled = on
	d.credits = 0
	if !on {
		d.scheduleFlush()
	}
}

// Replenish adds n execution credits to a throttled dispatcher.
func (d *Dispatcher) Replenish(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	d.credits += n
	return d.scheduleFlush()
}

// Shutdown prevents further queueing and discards any queued tasks. It
// returns the number of tasks discarded.
func (d *Dispatcher) Shutdown() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	d.shutdown = true
	d.queue = nil
	d.log.LogAttrs(context.Background(), slog.LevelDebug, "shutdown", slog.Int("dropped", n))
	return n
}

// Marshal returns a decoder.Callback that delivers frames to cb via d.
func Marshal(d *Dispatcher, cb decoder.Callback) decoder.Callback {
	return decoder.CallbackFunc(func(resp *decoder.Response, requestID uint64) {
		err := d.QueueTask(callbackTask{cb: cb, resp: resp, id: requestID})
		if err != nil {
			d.log.LogAttrs(context.Background(), slog.LevelWarn, "drop frame", slog.Uint64("request_id", requestID), slog.Any("error", err))
		}
	})
}

type callbackTask struct {
	cb   decoder.Callback
	resp *decoder.Response
	id   uint64
}

func (t callbackTask) Execute()          { t.cb.OnDecode(t.resp, t.id) }
func (t callbackTask) RequestID() uint64 { return t.id }

// TaskFunc is a function adapter for Task.
type TaskFunc struct {
	ID uint64
	Fn func()
}

func (t TaskFunc) Execute()          { t.Fn() }
func (t TaskFunc) RequestID() uint64 { return t.ID }
