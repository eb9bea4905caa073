package refresher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTarget struct {
	mu        sync.Mutex
	peers     int
	afterNext int
	refreshes atomic.Int32
	block     chan struct{}
}

func (f *fakeTarget) Refresh(ctx context.Context) error {
	f.refreshes.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.afterNext >= 0 {
		f.peers = f.afterNext
	}
	return nil
}

func (f *fakeTarget) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

func (f *fakeTarget) set(peers, afterNext int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = peers
	f.afterNext = afterNext
}

func TestNextInterval(t *testing.T) {
	r := New(&fakeTarget{}, zaptest.NewLogger(t), Options{})
	assert.Equal(t, 60*time.Second, r.NextInterval(true))
	assert.Equal(t, 5*time.Second, r.NextInterval(false))
}

func TestFirstCycleUsesConnectedInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := &fakeTarget{afterNext: -1}
	r := New(target, zaptest.NewLogger(t), Options{})
	r.Start(ctx)

	assert.Equal(t, DefaultConnectedInterval, r.LastInterval())
	assert.Zero(t, target.refreshes.Load())
}

func TestFlipLoggingAndRescheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, logs := observer.New(zap.InfoLevel)
	target := &fakeTarget{}
	target.set(1, 0)

	r := New(target, zap.New(core), Options{
		ConnectedInterval: time.Hour,
		IsolatedInterval:  time.Hour,
	})
	r.Start(ctx)

	// present -> absent
	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	lost := logs.FilterMessage("All peers lost, searching").All()
	require.Len(t, lost, 1)
	assert.Equal(t, int64(0), lost[0].ContextMap()["peers"])

	// absent -> absent: no log
	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 1, logs.Len())

	// absent -> present
	target.set(0, 3)
	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	found := logs.FilterMessage("Peers found").All()
	require.Len(t, found, 1)
	assert.Equal(t, int64(3), found[0].ContextMap()["peers"])
	assert.Equal(t, 2, logs.Len())
}

func TestIntervalFollowsPresence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := &fakeTarget{}
	target.set(0, 0)
	r := New(target, zaptest.NewLogger(t), Options{})
	r.Start(ctx)

	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, DefaultIsolatedInterval, r.LastInterval())

	target.set(0, 2)
	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, DefaultConnectedInterval, r.LastInterval())
}

func TestIsolatedNodeRefreshesQuickly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := &fakeTarget{afterNext: -1}
	r := New(target, zaptest.NewLogger(t), Options{
		ConnectedInterval: 10 * time.Millisecond,
		IsolatedInterval:  10 * time.Millisecond,
	})
	r.Start(ctx)

	require.Eventually(t, func() bool {
		return target.refreshes.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	target := &fakeTarget{afterNext: -1}
	r := New(target, zaptest.NewLogger(t), Options{
		ConnectedInterval: 20 * time.Millisecond,
		IsolatedInterval:  20 * time.Millisecond,
	})
	r.Start(ctx)
	cancel()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, target.refreshes.Load())
}

func TestInFlightCycleCompletesWithoutRescheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	target := &fakeTarget{afterNext: -1, block: make(chan struct{})}
	r := New(target, zaptest.NewLogger(t), Options{
		ConnectedInterval: time.Hour,
		IsolatedInterval:  10 * time.Millisecond,
	})
	r.Start(ctx)
	before := r.LastInterval()

	r.Trigger()
	require.Eventually(t, func() bool { return target.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	close(target.block)
	require.NoError(t, r.Wait(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), target.refreshes.Load())
	assert.Equal(t, before, r.LastInterval())
}

type countObserver struct{ n atomic.Int32 }

func (c *countObserver) ObserveRefresh(peers int) { c.n.Add(1) }

func TestObserverCalledPerCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := &countObserver{}
	r := New(&fakeTarget{afterNext: -1}, zaptest.NewLogger(t), Options{
		ConnectedInterval: time.Hour,
		IsolatedInterval:  time.Hour,
		Observer:          obs,
	})
	r.Start(ctx)

	r.Trigger()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, int32(1), obs.n.Load())
}
