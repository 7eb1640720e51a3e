// Package worker implements the cooperative scheduler that drives the
// readout equipment and aggregator steps. Each worker exposes a Step
// function returning {Ok, Idle} plus an error; Ok is re-invoked
// immediately, Idle sleeps briefly before the next call, and a non-nil
// error stops that worker and marks it faulted.
//
// Lifecycle (Start/Stop, idempotent Stop, context-driven) follows the
// teacher's framesupplier.supplier: one goroutine per worker tracked by
// a sync.WaitGroup, cancelled via context, joined on Stop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Result is the outcome of one Step call.
type Result int

const (
	// Ok means the step did useful work; call it again immediately.
	Ok Result = iota
	// Idle means the step found nothing to do; sleep before the next call.
	Idle
)

func (r Result) String() string {
	if r == Ok {
		return "Ok"
	}
	return "Idle"
}

// StepFunc is the unit of work a worker repeatedly invokes.
type StepFunc func(ctx context.Context) (Result, error)

// Worker runs a single StepFunc in its own goroutine under the
// Ok/Idle/Error cooperative discipline.
type Worker struct {
	Name        string
	Step        StepFunc
	IdleSleep   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastResult Result
	fault      error
	iterations uint64
}

// defaultIdleSleep matches the teacher pack's short-poll intervals
// (stream-capture's reconnect backoff floor) — brief enough not to add
// visible latency, long enough not to spin a core.
const defaultIdleSleep = 1 * time.Millisecond

// New creates a worker for the given step function. If idleSleep is 0,
// defaultIdleSleep is used.
func New(name string, step StepFunc, idleSleep time.Duration) *Worker {
	if idleSleep <= 0 {
		idleSleep = defaultIdleSleep
	}
	return &Worker{Name: name, Step: step, IdleSleep: idleSleep}
}

// Start begins running the worker's loop in a new goroutine. Starting an
// already-running worker returns an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker %q: already started", w.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.fault = nil

	w.wg.Add(1)
	go w.run(runCtx)

	return nil
}

// Stop cancels the worker's loop and waits for it to exit. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := w.Step(ctx)
		atomic.AddUint64(&w.iterations, 1)

		if err != nil {
			w.mu.Lock()
			w.fault = err
			w.running = false
			w.mu.Unlock()
			slog.Error("worker faulted", "worker", w.Name, "error", err)
			return
		}

		w.mu.Lock()
		w.lastResult = result
		w.mu.Unlock()

		if result == Idle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.IdleSleep):
			}
		}
	}
}

// Status is a point-in-time snapshot of a worker's state.
type Status struct {
	Name       string
	Running    bool
	LastResult Result
	Fault      error
	Iterations uint64
}

// Status returns a snapshot of the worker's current state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Name:       w.Name,
		Running:    w.running,
		LastResult: w.lastResult,
		Fault:      w.fault,
		Iterations: atomic.LoadUint64(&w.iterations),
	}
}

// Group starts and stops a named set of workers together.
type Group struct {
	workers []*Worker
}

// NewGroup creates a group over the given workers.
func NewGroup(workers ...*Worker) *Group {
	return &Group{workers: workers}
}

// Start starts every worker in the group. If any fails to start, the
// ones already started are stopped and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for i, w := range g.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range g.workers[:i] {
				started.Stop()
			}
			return fmt.Errorf("group: starting %q: %w", w.Name, err)
		}
	}
	return nil
}

// Stop stops every worker in the group and waits for them all to exit.
func (g *Group) Stop() {
	var wg sync.WaitGroup
	for _, w := range g.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}

// Statuses returns a snapshot of every worker's state.
func (g *Group) Statuses() []Status {
	out := make([]Status, len(g.workers))
	for i, w := range g.workers {
		out[i] = w.Status()
	}
	return out
}
