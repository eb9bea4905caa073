// Package shutdown turns repeated termination signals into one graceful
// teardown followed, on a second signal, by a forced exit.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

const (
	GracefulMessage = "Gracefully shutting down, press Ctrl+C again to force"
	ForceMessage    = "Forcing shutdown"
)

type State int

const (
	StateIdle State = iota
	StateRequested
	StateForcing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateForcing:
		return "forcing"
	default:
		return "unknown"
	}
}

// Coordinator runs teardown on the first signal and calls exit(1) on the second.
type Coordinator struct {
	teardown func()
	exit     func(code int)
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New returns a coordinator. A nil exit defaults to os.Exit.
func New(teardown func(), exit func(int), logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Coordinator{
		teardown: teardown,
		exit:     exit,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Signal handles one termination request.
func (c *Coordinator) Signal() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateRequested
		c.mu.Unlock()

		c.logger.Info(GracefulMessage)
		go func() {
			defer close(c.done)
			if c.teardown != nil {
				c.teardown()
			}
		}()
	case StateRequested:
		c.state = StateForcing
		c.mu.Unlock()

		c.logger.Warn(ForceMessage)
		c.exit(1)
	default:
		c.mu.Unlock()
	}
}

// Done is closed once the graceful teardown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Listen forwards SIGINT and SIGTERM to Signal until ctx is cancelled.
func (c *Coordinator) Listen(ctx context.Context) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
				c.Signal()
			}
		}
	}()
}
