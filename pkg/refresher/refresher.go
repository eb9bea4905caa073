// Package refresher keeps a replica looking for peers. It re-runs discovery
// slowly while peers are connected and quickly while the node is isolated.
package refresher

import (
	"context"
	"sync"
	"time"

	"driveshare/pkg/debounce"

	"go.uber.org/zap"
)

const (
	DefaultConnectedInterval = 60 * time.Second
	DefaultIsolatedInterval  = 5 * time.Second
)

// Target is the discovery the refresher drives.
type Target interface {
	Refresh(ctx context.Context) error
	Connections() int
}

// Observer is told about every completed cycle.
type Observer interface {
	ObserveRefresh(peers int)
}

type Options struct {
	ConnectedInterval time.Duration
	IsolatedInterval  time.Duration
	Observer          Observer
}

type Refresher struct {
	target   Target
	logger   *zap.Logger
	observer Observer

	connected time.Duration
	isolated  time.Duration

	debouncer *debounce.Debouncer

	mu           sync.Mutex
	ctx          context.Context
	timer        *time.Timer
	previous     bool
	lastInterval time.Duration
}

func New(target Target, logger *zap.Logger, opts Options) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectedInterval <= 0 {
		opts.ConnectedInterval = DefaultConnectedInterval
	}
	if opts.IsolatedInterval <= 0 {
		opts.IsolatedInterval = DefaultIsolatedInterval
	}
	return &Refresher{
		target:    target,
		logger:    logger,
		observer:  opts.Observer,
		connected: opts.ConnectedInterval,
		isolated:  opts.IsolatedInterval,
	}
}

// NextInterval is the delay before the next cycle given whether peers are
// connected.
func (r *Refresher) NextInterval(present bool) time.Duration {
	if present {
		return r.connected
	}
	return r.isolated
}

// Start schedules the first cycle one connected interval from now. Cycles
// stop when ctx is done.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	r.previous = r.target.Connections() > 0
	r.debouncer = debounce.New(ctx, r.cycle)
	r.scheduleLocked(r.connected)

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}()
}

// Trigger runs a cycle now. A cycle already in flight absorbs it into a
// single follow-up cycle.
func (r *Refresher) Trigger() {
	r.mu.Lock()
	d := r.debouncer
	r.mu.Unlock()
	if d != nil {
		d.Trigger()
	}
}

// Wait blocks until no cycle is running.
func (r *Refresher) Wait(ctx context.Context) error {
	r.mu.Lock()
	d := r.debouncer
	r.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Wait(ctx)
}

// LastInterval returns the delay chosen by the most recent cycle.
func (r *Refresher) LastInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastInterval
}

func (r *Refresher) scheduleLocked(d time.Duration) {
	if r.ctx.Err() != nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.lastInterval = d
	r.timer = time.AfterFunc(d, r.Trigger)
}

func (r *Refresher) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	previous := r.previous
	r.mu.Unlock()

	if err := r.target.Refresh(ctx); err != nil {
		r.logger.Debug("Discovery refresh failed", zap.Error(err))
	}

	peers := r.target.Connections()
	present := peers > 0

	if present != previous {
		if present {
			r.logger.Info("Peers found", zap.Int("peers", peers))
		} else {
			r.logger.Warn("All peers lost, searching", zap.Int("peers", peers))
		}
	}

	if r.observer != nil {
		r.observer.ObserveRefresh(peers)
	}

	r.mu.Lock()
	r.previous = present
	if ctx.Err() == nil {
		r.scheduleLocked(r.NextInterval(present))
	}
	r.mu.Unlock()
}
