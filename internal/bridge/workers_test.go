package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWorkerPoolExecutesTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&done, 1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	pool.Stop()

	assert.EqualValues(t, 10, atomic.LoadInt64(&done))
	assert.Zero(t, pool.DroppedTasks())
}

func TestWorkerPoolDropsOnFullQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	// Worker is busy; one task fits the queue, the rest are dropped.
	require.True(t, pool.Submit(func() {}))
	assert.False(t, pool.Submit(func() {}))
	assert.False(t, pool.Submit(func() {}))
	assert.EqualValues(t, 2, pool.DroppedTasks())

	close(block)
	pool.Stop()
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(2, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	pool.Stop()

	// A late submission is dropped, never a send on the closed queue.
	assert.False(t, pool.Submit(func() {}))
	assert.EqualValues(t, 1, pool.DroppedTasks())

	// Stop is idempotent.
	pool.Stop()
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.True(t, pool.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.Eventually(t, func() bool {
		return pool.Submit(func() { close(done) })
	}, time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic")
	}
	pool.Stop()
}
