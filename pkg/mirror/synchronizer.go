package mirror

import (
	"context"

	"driveshare/pkg/debounce"

	"go.uber.org/zap"
)

// Recorder receives the outcome of each pass.
type Recorder interface {
	ObserveMirror(res Result, err error)
}

// Synchronizer re-runs Mirror whenever the directory changes. At most one
// pass runs at a time and requests made during a pass collapse into a single
// follow-up pass.
type Synchronizer struct {
	dir      string
	target   Target
	opts     Options
	logger   *zap.Logger
	recorder Recorder

	debouncer *debounce.Debouncer
}

// NewSynchronizer returns a synchronizer whose passes stop once ctx is done.
// recorder may be nil.
func NewSynchronizer(ctx context.Context, dir string, target Target, opts Options, logger *zap.Logger, recorder Recorder) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		dir:      dir,
		target:   target,
		opts:     opts,
		logger:   logger,
		recorder: recorder,
	}
	s.debouncer = debounce.New(ctx, s.pass)
	return s
}

// Request asks for a pass. It never blocks.
func (s *Synchronizer) Request() {
	s.debouncer.Trigger()
}

// Wait blocks until no pass is running.
func (s *Synchronizer) Wait(ctx context.Context) error {
	return s.debouncer.Wait(ctx)
}

func (s *Synchronizer) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res, err := Mirror(ctx, s.dir, s.target, s.opts)
	if s.recorder != nil {
		s.recorder.ObserveMirror(res, err)
	}
	if err != nil {
		s.logger.Error("Mirror failed", zap.Error(err))
		return
	}

	s.logger.Info("Mirrored changes",
		zap.Int("count", res.Count()),
		zap.Int("added", res.Added),
		zap.Int("changed", res.Changed),
		zap.Int("removed", res.Removed))
}
