package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// ComponentHealthChecker probes every registry entry on a fixed interval
// and persists the outcomes as health samples. Healthy maps to value 1,
// anything else to 0, so availability is a plain avg aggregation.
type ComponentHealthChecker struct {
	registry *registry.Registry
	store    *MetricsStore

	interval     time.Duration
	probeTimeout time.Duration

	mu         sync.RWMutex
	lastReport *registry.HealthRollupReport

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   core.Logger
}

// HealthCheckerOption configures a ComponentHealthChecker.
type HealthCheckerOption func(*ComponentHealthChecker)

// WithHealthInterval sets the rollup period.
func WithHealthInterval(d time.Duration) HealthCheckerOption {
	return func(c *ComponentHealthChecker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithProbeTimeout bounds each per-entry health probe.
func WithProbeTimeout(d time.Duration) HealthCheckerOption {
	return func(c *ComponentHealthChecker) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l core.Logger) HealthCheckerOption {
	return func(c *ComponentHealthChecker) { c.logger = l }
}

// NewComponentHealthChecker creates a checker over the registry and store.
func NewComponentHealthChecker(reg *registry.Registry, store *MetricsStore, opts ...HealthCheckerOption) *ComponentHealthChecker {
	c := &ComponentHealthChecker{
		registry:     reg,
		store:        store,
		interval:     60 * time.Second,
		probeTimeout: 5 * time.Second,
		stopCh:       make(chan struct{}),
		logger:       &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the rollup loop until Stop or context cancellation.
func (c *ComponentHealthChecker) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunRollup(ctx)
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the rollup loop.
func (c *ComponentHealthChecker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RunRollup probes every entry once, persists one sample per entry, and
// returns the report.
func (c *ComponentHealthChecker) RunRollup(ctx context.Context) *registry.HealthRollupReport {
	report := c.registry.HealthRollup(ctx, c.probeTimeout)

	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	for _, entry := range report.Entries {
		c.recordEntry(entry, report.CheckedAt)
	}
	c.logger.Debug("Health rollup completed", map[string]interface{}{
		"operation": "health_rollup",
		"healthy":   report.Healthy,
		"unhealthy": report.Unhealthy,
		"unknown":   report.Unknown,
	})
	return report
}

func (c *ComponentHealthChecker) recordEntry(entry registry.EntryHealth, at time.Time) {
	healthy := entry.Status == core.HealthHealthy
	value := 0.0
	if healthy {
		value = 1.0
	}
	_ = c.store.Append(Sample{
		Kind:      KindHealth,
		Name:      "health",
		Component: entry.Name + "@" + entry.Version,
		Value:     value,
		Success:   &healthy,
		Tags:      map[string]string{"status": string(entry.Status)},
		Timestamp: at,
	})
}

// LastReport returns the most recent rollup, or nil before the first run.
func (c *ComponentHealthChecker) LastReport() *registry.HealthRollupReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

// CheckNow force-probes one component ("name" or "name@version") with the
// given timeout and records the outcome.
func (c *ComponentHealthChecker) CheckNow(ctx context.Context, component string, timeout time.Duration) (*registry.EntryHealth, error) {
	name, version := splitComponent(component)

	var entry *registry.Entry
	var err error
	if version == "" {
		entry, err = c.registry.Latest(name)
	} else {
		entry, err = c.registry.Get(name, version)
	}
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.probeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	health := registry.EntryHealth{
		Name:    entry.Metadata.Name,
		Version: entry.Metadata.Version,
		Status:  core.HealthUnknown,
	}
	done := make(chan registry.EntryHealth, 1)
	go func() {
		probed := health
		defer func() {
			if r := recover(); r != nil {
				probed.Status = core.HealthUnhealthy
				probed.Error = fmt.Sprintf("health check panicked: %v", r)
			}
			done <- probed
		}()
		ok, details := entry.Resolver.HealthCheck(probeCtx)
		probed.Details = details
		if ok {
			probed.Status = core.HealthHealthy
		} else {
			probed.Status = core.HealthUnhealthy
		}
	}()

	select {
	case probed := <-done:
		health = probed
	case <-probeCtx.Done():
		health.Error = probeCtx.Err().Error()
	}

	c.recordEntry(health, time.Now())
	return &health, nil
}

func splitComponent(component string) (name, version string) {
	for i := len(component) - 1; i >= 0; i-- {
		if component[i] == '@' {
			return component[:i], component[i+1:]
		}
	}
	return component, ""
}
