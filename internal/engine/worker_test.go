package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedJobs(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(_ context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int64(10), ran.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			_ = pool.Submit(context.Background(), func(_ context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		return errors.New("job failed")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		return nil
	}))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		panic("job exploded")
	}))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)

	// The pool survives a panicking job.
	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		ran.Store(true)
		return nil
	}))
	pool.Wait()
	assert.True(t, ran.Load())
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(_ context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ShutdownIdempotent(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()
	pool.Shutdown()
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		<-release
		return nil
	}))

	// Pool is full; a cancelled submit must not block.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(_ context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestWorkerPool_ZeroSizeDefaultsToOne(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Shutdown()

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(_ context.Context) error {
		ran.Store(true)
		return nil
	}))
	pool.Wait()
	assert.True(t, ran.Load())
}
