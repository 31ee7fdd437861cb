// Package bridge fans messages from an upstream broker out to sessions.
// A fixed worker pool bounds the fanout concurrency so a publish burst
// degrades to dropped tasks instead of unbounded goroutines.
package bridge

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// Task is one unit of fanout work.
type Task func()

// WorkerPool executes tasks on a fixed set of goroutines with a bounded
// queue. Submit never blocks: when the queue is full the task is dropped
// and counted.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger

	// mu orders Submit against Stop's queue close.
	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool builds an idle pool; call Start before Submit.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. The context cancels them; tasks already
// queued when it fires may be abandoned.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.run(task)
		case <-wp.ctx.Done():
			return
		}
	}
}

// run executes one task; a panicking task is logged and the worker keeps
// going.
func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues a task. On a full or stopped queue the task is dropped
// and the dropped counter incremented; that is the backpressure mechanism.
func (wp *WorkerPool) Submit(task Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		atomic.AddInt64(&wp.droppedTasks, 1)
		monitoring.RecordDroppedTask()
		return false
	}
	select {
	case wp.taskQueue <- task:
		return true
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		monitoring.RecordDroppedTask()
		return false
	}
}

// Stop closes the queue and waits for workers to drain it. Safe against
// concurrent Submit and idempotent.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.mu.Unlock()
	wp.wg.Wait()
}

// DroppedTasks reports how many tasks were rejected on a full queue.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// QueueDepth reports the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
