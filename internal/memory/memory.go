package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"index-manager/internal/logging"
	"index-manager/internal/metrics"
)

// Config holds the watermarks of a Monitor.
type Config struct {
	// LimitBytes is the heap limit; 0 uses GOMEMLIMIT.
	LimitBytes int64
	// HighWaterMark is the usage ratio below which a paused monitor resumes.
	HighWaterMark float64
	// CriticalWaterMark is the usage ratio at which ingestion pauses.
	CriticalWaterMark float64
	CheckInterval     time.Duration
}

// DefaultConfig returns the default watermarks.
func DefaultConfig() Config {
	return Config{
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		CheckInterval:     5 * time.Second,
	}
}

// Monitor samples heap usage and blocks callers of Wait while it is critical.
// A monitor without a limit never blocks.
type Monitor struct {
	config    Config
	limit     int64
	readAlloc func() uint64

	mu       sync.Mutex
	usage    float64
	paused   bool
	resumed  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. Start must be called for it to sample.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < 1<<62 {
			limit = goMemLimit
		}
	}
	if limit == 0 {
		logging.Debug("Memory monitor: no limit configured, ingest backpressure disabled")
	}

	return &Monitor{
		config:    config,
		limit:     limit,
		readAlloc: heapAlloc,
		resumed:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Start begins sampling in the background.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.check()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop stops sampling and releases every waiter.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		m.setPausedLocked(false)
		m.mu.Unlock()
	})
}

func (m *Monitor) check() {
	usage := float64(m.readAlloc()) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = usage

	switch {
	case !m.paused && usage >= m.config.CriticalWaterMark:
		logging.Warn("Memory critical (%.1f%% of limit), pausing ingestion", usage*100)
		m.setPausedLocked(true)
		metrics.MemoryGCPauses.Inc()
		go runtime.GC()
	case m.paused && usage < m.config.HighWaterMark:
		logging.Info("Memory recovered (%.1f%% of limit), resuming ingestion", usage*100)
		m.setPausedLocked(false)
	}
}

func (m *Monitor) setPausedLocked(paused bool) {
	if m.paused == paused {
		return
	}
	m.paused = paused
	if paused {
		metrics.MemoryPaused.Set(1)
		return
	}
	metrics.MemoryPaused.Set(0)
	close(m.resumed)
	m.resumed = make(chan struct{})
}

// Wait returns once ingestion may proceed, or with ctx's error.
func (m *Monitor) Wait(ctx context.Context) error {
	m.mu.Lock()
	paused, resumed := m.paused, m.resumed
	m.mu.Unlock()

	if !paused {
		return nil
	}
	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused reports whether ingestion is currently paused.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Usage returns the last sampled heap usage as a ratio of the limit.
func (m *Monitor) Usage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
