package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples CPU, memory, and goroutine counts on a fixed
// interval and exports them as gauges. One instance per server.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor sampling at the given interval. When the
// process handle cannot be resolved, CPU falls back to host-wide sampling.
func NewSystemMonitor(logger zerolog.Logger, interval time.Duration) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &SystemMonitor{
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		interval: interval,
		proc:     proc,
	}
}

// Start launches the sampling loop. Stop cancels it.
func (sm *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()

	sm.logger.Info().Dur("interval", sm.interval).Msg("System monitor started")
}

// Stop halts sampling and waits for the loop to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// Metrics returns the most recent sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

func (sm *SystemMonitor) sample() {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			m.CPUPercent = pct
		}
		if mem, err := sm.proc.MemoryInfo(); err == nil && mem != nil {
			m.MemoryBytes = mem.RSS
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	UpdateSystemGauges(m.CPUPercent, m.MemoryBytes, m.Goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Uint64("memory_bytes", m.MemoryBytes).
		Int("goroutines", m.Goroutines).
		Msg("System sample")
}
