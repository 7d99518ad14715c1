package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestDriven(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time)
	fired := make(chan struct{})

	task := Driven(ticks, func() {
		fired <- struct{}{}
	})

	done := make(chan struct{})
	go func() {
		task.Run(ctx)

		close(done)
	}()

	for i := 0; i < 5; i++ {
		ticks <- time.Now()

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("expected tick %d to fire", i)
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the task to stop after cancellation")
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 16)

	task := Every(time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	go task.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected the wall clock task to fire")
	}
}
