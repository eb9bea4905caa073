package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerWhileIdleRunsOnce(t *testing.T) {
	var runs atomic.Int32
	d := New(context.Background(), func(ctx context.Context) {
		runs.Add(1)
	})

	d.Trigger()
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, d.Busy())
}

func TestBurstCollapsesIntoOneTrailingRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	var runs atomic.Int32

	d := New(context.Background(), func(ctx context.Context) {
		n := runs.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
	})

	d.Trigger()
	<-started

	for i := 0; i < 25; i++ {
		d.Trigger()
	}
	assert.True(t, d.Busy())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, int32(2), runs.Load(), "one initial run plus exactly one trailing run")
}

func TestNeverOverlaps(t *testing.T) {
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var runs int

	d := New(context.Background(), func(ctx context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		runs++
		mu.Unlock()
		active.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d.Trigger()
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, int32(1), maxActive.Load())
	mu.Lock()
	assert.GreaterOrEqual(t, runs, 1)
	mu.Unlock()
}

func TestCancelledContextDropsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var runs atomic.Int32

	d := New(ctx, func(ctx context.Context) {
		runs.Add(1)
		<-release
	})

	d.Trigger()
	d.Trigger()
	cancel()
	close(release)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, d.Wait(waitCtx))
	assert.Equal(t, int32(1), runs.Load())
}
