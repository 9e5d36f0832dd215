package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPoolExecutesTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(4, 16, zerolog.Nop())
	pool.Start(ctx)

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		pool.Submit(func() {
			atomic.AddInt64(&done, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&done); got != 16 {
		t.Fatalf("executed %d tasks, want 16", got)
	}
	if pool.DroppedTasks() != 0 {
		t.Fatalf("dropped %d tasks, want 0", pool.DroppedTasks())
	}
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(1, 1, zerolog.Nop())
	pool.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-block
	})
	<-started

	// Worker is pinned; one task fits the queue, the next must drop.
	pool.Submit(func() {})
	pool.Submit(func() {})

	if got := pool.DroppedTasks(); got != 1 {
		t.Fatalf("dropped %d tasks, want 1", got)
	}
	if got := pool.QueueDepth(); got != 1 {
		t.Fatalf("queue depth %d, want 1", got)
	}
	close(block)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewWorkerPool(1, 4, zerolog.Nop())
	pool.Start(ctx)

	pool.Submit(func() { panic("handler bug") })

	done := make(chan struct{})
	pool.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestWorkerPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(2, 4, zerolog.Nop())
	pool.Start(ctx)

	cancel()

	stopped := make(chan struct{})
	go func() {
		pool.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit on context cancellation")
	}
}
