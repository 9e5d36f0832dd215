package transport

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/monitoring"
)

// Task is a unit of handler work executed by the pool.
type Task func()

// WorkerPool executes dispatcher handlers on a fixed set of goroutines
// so the read pumps only decode and submit. A full queue drops the task
// instead of spawning goroutines: backpressure over memory growth.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount workers and a queue of
// queueSize pending tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
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
		case task := <-wp.taskQueue:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Worker panic recovered, worker continues")
					}
				}()
				task()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task; if the queue is full the task is dropped and
// counted.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		monitoring.DroppedTasks.Inc()
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// DroppedTasks returns the number of tasks dropped due to a full queue.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// QueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
