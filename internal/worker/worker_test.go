package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerRunsUntilStopped(t *testing.T) {
	var calls int64
	w := New("counter", func(ctx context.Context) (Result, error) {
		atomic.AddInt64(&calls, 1)
		return Ok, nil
	}, time.Millisecond)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if atomic.LoadInt64(&calls) == 0 {
		t.Fatalf("expected at least one Step call")
	}
	if w.Status().Running {
		t.Fatalf("expected worker to be stopped")
	}
}

func TestWorkerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan struct{})
	w := New("faulty", func(ctx context.Context) (Result, error) {
		close(done)
		return Ok, boom
	}, time.Millisecond)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-done
	time.Sleep(10 * time.Millisecond)

	status := w.Status()
	if status.Running {
		t.Fatalf("expected worker to stop after error")
	}
	if !errors.Is(status.Fault, boom) {
		t.Fatalf("Status.Fault: got %v, want %v", status.Fault, boom)
	}
}

func TestStartTwiceFails(t *testing.T) {
	w := New("idle", func(ctx context.Context) (Result, error) {
		return Idle, nil
	}, time.Millisecond)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err == nil {
		t.Fatalf("second Start: expected error")
	}
}

func TestGroupStartStop(t *testing.T) {
	var a, b int64
	w1 := New("a", func(ctx context.Context) (Result, error) {
		atomic.AddInt64(&a, 1)
		return Idle, nil
	}, time.Millisecond)
	w2 := New("b", func(ctx context.Context) (Result, error) {
		atomic.AddInt64(&b, 1)
		return Idle, nil
	}, time.Millisecond)

	g := NewGroup(w1, w2)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	g.Stop()

	if atomic.LoadInt64(&a) == 0 || atomic.LoadInt64(&b) == 0 {
		t.Fatalf("expected both workers to have run")
	}
	for _, s := range g.Statuses() {
		if s.Running {
			t.Fatalf("expected %q to be stopped", s.Name)
		}
	}
}
