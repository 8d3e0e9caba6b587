package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := New(context.Background(), 4)
	defer p.Shutdown()

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(50), ran.Load())
}

func TestPoolBoundsParallelism(t *testing.T) {
	const workers = 3
	p := New(context.Background(), workers)
	defer p.Shutdown()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) {
			defer wg.Done()
			now := inFlight.Add(1)
			for {
				prev := peak.Load()
				if now <= prev || peak.CompareAndSwap(prev, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestPoolShutdownWaitsForInFlightJobs(t *testing.T) {
	p := New(context.Background(), 1)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(done)
	}))

	p.Shutdown()
	select {
	case <-done:
	default:
		t.Fatal("Shutdown returned before the in-flight job completed")
	}

	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrClosed)
	p.Shutdown() // second shutdown is a no-op
}
