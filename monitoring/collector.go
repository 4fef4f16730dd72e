package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
)

// SystemMetricsCollector samples process-level metrics (heap, goroutines,
// GC, uptime) into the store on a fixed interval.
type SystemMetricsCollector struct {
	store    *MetricsStore
	interval time.Duration
	started  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   core.Logger
}

// CollectorOption configures a SystemMetricsCollector.
type CollectorOption func(*SystemMetricsCollector)

// WithCollectionInterval sets the sampling period.
func WithCollectionInterval(d time.Duration) CollectorOption {
	return func(c *SystemMetricsCollector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCollectorLogger sets the logger.
func WithCollectorLogger(l core.Logger) CollectorOption {
	return func(c *SystemMetricsCollector) { c.logger = l }
}

// NewSystemMetricsCollector creates a collector writing to the store.
func NewSystemMetricsCollector(store *MetricsStore, opts ...CollectorOption) *SystemMetricsCollector {
	c := &SystemMetricsCollector{
		store:    store,
		interval: 30 * time.Second,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the collection loop until Stop or context cancellation.
func (c *SystemMetricsCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the collection loop.
func (c *SystemMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sampleGroups returns one batch of process samples keyed by group name.
func (c *SystemMetricsCollector) sampleGroups(now time.Time) map[string][]Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string][]Sample{
		"memory": {
			{Name: "heap_alloc_bytes", Value: float64(mem.HeapAlloc)},
			{Name: "heap_objects", Value: float64(mem.HeapObjects)},
		},
		"gc": {
			{Name: "gc_cycles", Value: float64(mem.NumGC)},
			{Name: "gc_pause_total_ns", Value: float64(mem.PauseTotalNs)},
		},
		"goroutines": {
			{Name: "goroutines", Value: float64(runtime.NumGoroutine())},
		},
		"uptime": {
			{Name: "uptime_seconds", Value: now.Sub(c.started).Seconds()},
		},
	}
}

// Collect appends one batch of system samples. Safe to call directly; the
// HTTP API uses it for on-demand collection.
func (c *SystemMetricsCollector) Collect() {
	now := time.Now()
	for _, group := range c.sampleGroups(now) {
		c.append(group, now)
	}
}

// CollectType samples only the named group: memory, gc, goroutines or
// uptime. Unknown groups are a validation error.
func (c *SystemMetricsCollector) CollectType(kind string) error {
	now := time.Now()
	group, ok := c.sampleGroups(now)[kind]
	if !ok {
		return core.NewTaskError(core.KindValidation, fmt.Sprintf("unknown system metric type %q", kind))
	}
	c.append(group, now)
	return nil
}

func (c *SystemMetricsCollector) append(samples []Sample, now time.Time) {
	for _, s := range samples {
		s.Kind = KindSystem
		s.Timestamp = now
		if err := c.store.Append(s); err != nil {
			c.logger.Debug("System sample not recorded", map[string]interface{}{
				"operation": "collector_collect",
				"name":      s.Name,
				"error":     err.Error(),
			})
		}
	}
}
