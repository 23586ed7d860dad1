// Package scheduler drives strategy ticks on their configured cadence.
//
// One Task per strategy instance loops sleep → tick. The k-th tick targets
// start + k·interval; an overrunning or delayed tick reschedules from the
// wall clock, and when more than one interval has been lost, at most one
// catch-up tick fires — never a burst. Ticks for one task never overlap;
// tasks for different strategies run independently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// maxTickDeadline caps a tick's wall-clock budget regardless of cadence.
const maxTickDeadline = 5 * time.Second

// TickFunc is one scheduled invocation of a strategy's decision function.
// Errors are recorded by the caller's wrapper; they never stop the task.
type TickFunc func(ctx context.Context) error

// Task is the periodic driver for one strategy instance.
type Task struct {
	name       string
	intervalNs atomic.Int64
	fn         TickFunc
	logger     *slog.Logger
	done       chan struct{}
}

// NewTask builds a task; call Run to start it.
func NewTask(name string, interval time.Duration, fn TickFunc, logger *slog.Logger) *Task {
	t := &Task{
		name:   name,
		fn:     fn,
		logger: logger.With("component", "scheduler", "strategy", name),
		done:   make(chan struct{}),
	}
	t.intervalNs.Store(int64(interval))
	return t
}

// SetInterval adjusts the cadence; takes effect after the current sleep.
func (t *Task) SetInterval(interval time.Duration) {
	t.intervalNs.Store(int64(interval))
}

func (t *Task) interval() time.Duration {
	return time.Duration(t.intervalNs.Load())
}

// Done is closed when Run has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Run loops until ctx is cancelled. The task exits promptly once the
// in-flight tick's context is cancelled; cooperative strategies return
// within the tick deadline.
func (t *Task) Run(ctx context.Context) {
	defer close(t.done)

	next := time.Now().Add(t.interval())
	caughtUp := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		t.tick(ctx)
		if ctx.Err() != nil {
			return
		}

		interval := t.interval()
		now := time.Now()
		next = next.Add(interval)
		switch {
		case !next.Before(now):
			caughtUp = false
		case now.Sub(next) >= interval && !caughtUp:
			// Fell more than a full interval behind: one immediate
			// catch-up tick, then back on cadence.
			next = now
			caughtUp = true
		default:
			next = now.Add(interval)
			caughtUp = false
		}
	}
}

// tick runs fn under min(interval, 5s), catching panics at the boundary.
func (t *Task) tick(ctx context.Context) {
	deadline := t.interval()
	if deadline > maxTickDeadline {
		deadline = maxTickDeadline
	}
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tick panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := t.fn(tickCtx); err != nil {
		t.logger.Debug("tick failed", "error", err)
	}
}

// Recovered converts a recovered panic value into an error; used by tick
// wrappers that fold panics into the strategy's failure counters.
func Recovered(r any) error {
	return fmt.Errorf("strategy panic: %v", r)
}
