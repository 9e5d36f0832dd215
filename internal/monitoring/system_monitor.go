package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor periodically samples process CPU and memory so operators
// can spot saturation from the logs without a metrics stack attached.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu         sync.RWMutex
	cpuPercent float64
	memoryMB   float64

	wg sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process. A nil
// process handle (unsupported platform) degrades to memory-only samples.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process CPU sampling unavailable")
		proc = nil
	}
	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}
}

// Start begins periodic sampling until ctx is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sm *SystemMonitor) sample() {
	var cpuPercent float64
	if sm.proc != nil {
		if v, err := sm.proc.CPUPercent(); err == nil {
			cpuPercent = v
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryMB := float64(mem.Alloc) / (1024 * 1024)

	sm.mu.Lock()
	sm.cpuPercent = cpuPercent
	sm.memoryMB = memoryMB
	sm.mu.Unlock()

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", memoryMB).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("System metrics sampled")
}

// CPUPercent returns the last sampled process CPU percentage.
func (sm *SystemMonitor) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent
}

// MemoryMB returns the last sampled heap usage in megabytes.
func (sm *SystemMonitor) MemoryMB() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.memoryMB
}

// Wait blocks until the sampling goroutine has exited.
func (sm *SystemMonitor) Wait() {
	sm.wg.Wait()
}
