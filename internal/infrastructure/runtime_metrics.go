package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
)

// RuntimeStats is one sample of process resource usage.
type RuntimeStats struct {
	Goroutines  int64
	HeapAlloc   int64
	HeapSys     int64
	GCCount     uint32
	LastGCPause time.Duration
	CPUCount    int
	Uptime      time.Duration
	Timestamp   time.Time
}

// RuntimeSampler reads Go runtime statistics and records them as gauges.
// The threat monitor feeds its samples to the classifier.
type RuntimeSampler struct {
	clock     clock.Clock
	startTime time.Time

	goroutines metric.Int64Gauge
	heapAlloc  metric.Int64Gauge
	heapSys    metric.Int64Gauge
	gcPause    metric.Float64Histogram
	uptime     metric.Float64Gauge
}

// NewRuntimeSampler creates a sampler whose uptime is measured from now.
func NewRuntimeSampler(meter metric.Meter, clk clock.Clock) (*RuntimeSampler, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &RuntimeSampler{clock: clk, startTime: clk.Now()}

	var err error
	if s.goroutines, err = meter.Int64Gauge("system_goroutines",
		metric.WithDescription("Number of active goroutines")); err != nil {
		return nil, fmt.Errorf("failed to create goroutine gauge: %w", err)
	}
	if s.heapAlloc, err = meter.Int64Gauge("system_memory_usage_bytes",
		metric.WithDescription("Heap bytes in use"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create heap gauge: %w", err)
	}
	if s.heapSys, err = meter.Int64Gauge("system_memory_system_bytes",
		metric.WithDescription("Memory obtained from the OS in bytes"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create sys gauge: %w", err)
	}
	if s.gcPause, err = meter.Float64Histogram("system_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create gc histogram: %w", err)
	}
	if s.uptime, err = meter.Float64Gauge("system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create uptime gauge: %w", err)
	}
	return s, nil
}

// Sample collects and records one RuntimeStats.
func (s *RuntimeSampler) Sample(ctx context.Context) RuntimeStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := s.clock.Now()
	stats := RuntimeStats{
		Goroutines:  int64(runtime.NumGoroutine()),
		HeapAlloc:   int64(mem.HeapAlloc),
		HeapSys:     int64(mem.HeapSys),
		GCCount:     mem.NumGC,
		LastGCPause: time.Duration(mem.PauseNs[(mem.NumGC+255)%256]),
		CPUCount:    runtime.NumCPU(),
		Uptime:      now.Sub(s.startTime),
		Timestamp:   now,
	}

	s.goroutines.Record(ctx, stats.Goroutines)
	s.heapAlloc.Record(ctx, stats.HeapAlloc)
	s.heapSys.Record(ctx, stats.HeapSys)
	s.uptime.Record(ctx, stats.Uptime.Seconds())
	if stats.LastGCPause > 0 {
		s.gcPause.Record(ctx, stats.LastGCPause.Seconds())
	}
	return stats
}
