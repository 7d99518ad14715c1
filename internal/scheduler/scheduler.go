package scheduler

import (
	"context"
	"time"
)

// Task invokes a function at a fixed cadence until its context is cancelled.
type Task struct {
	period time.Duration
	ticks  <-chan time.Time
	fn     func()
}

// Every returns a task driven by the wall clock.
func Every(period time.Duration, fn func()) *Task {
	return &Task{
		period: period,
		fn:     fn,
	}
}

// Driven returns a task driven by an external tick source, so tests can
// advance virtual time deterministically.
func Driven(ticks <-chan time.Time, fn func()) *Task {
	return &Task{
		ticks: ticks,
		fn:    fn,
	}
}

// Run blocks until the context is cancelled, invoking the task's function
// once per tick.
func (t *Task) Run(ctx context.Context) {
	ticks := t.ticks
	if ticks == nil {
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()

		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			t.fn()
		}
	}
}
