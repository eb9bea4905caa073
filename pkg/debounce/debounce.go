// Package debounce coalesces bursts of requests into single-flight runs.
package debounce

import (
	"context"
	"sync"
)

// Debouncer runs fn at most once at a time. Triggers that arrive while a run
// is in flight collapse into exactly one trailing run.
type Debouncer struct {
	fn  func(ctx context.Context)
	ctx context.Context

	mu       sync.Mutex
	inFlight bool
	pending  bool
	idle     chan struct{}
}

// New returns a Debouncer whose runs receive ctx.
func New(ctx context.Context, fn func(ctx context.Context)) *Debouncer {
	idle := make(chan struct{})
	close(idle)
	return &Debouncer{fn: fn, ctx: ctx, idle: idle}
}

// Trigger starts a run if idle, or marks one pending if a run is in flight.
// It never blocks.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight {
		d.pending = true
		return
	}
	d.inFlight = true
	d.idle = make(chan struct{})
	go d.loop(d.idle)
}

func (d *Debouncer) loop(idle chan struct{}) {
	for {
		d.fn(d.ctx)

		d.mu.Lock()
		if !d.pending || d.ctx.Err() != nil {
			d.inFlight = false
			d.pending = false
			close(idle)
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.mu.Unlock()
	}
}

// Busy reports whether a run is in flight.
func (d *Debouncer) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Wait blocks until no run is in flight or ctx is done.
func (d *Debouncer) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
