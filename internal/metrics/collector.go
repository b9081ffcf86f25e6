package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// PendingSource reports pending ledger rows across sending campaigns
type PendingSource interface {
	PendingTotal(ctx context.Context) (int, error)
}

// Collector refreshes gauges that are derived from process and storage state
type Collector struct {
	metrics     *Metrics
	pending     PendingSource
	storagePath string
	interval    time.Duration
	startTime   time.Time
	logger      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new gauge collector
func NewCollector(m *Metrics, pending PendingSource, storagePath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		pending:     pending,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		logger:      logger.With("component", "metrics"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates every gauge once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.pending != nil {
		n, err := c.pending.PendingTotal(ctx)
		if err != nil {
			c.logger.Warn("failed to count pending recipients", "error", err)
			return
		}
		c.metrics.PendingRecipients.Set(float64(n))
	}
}
