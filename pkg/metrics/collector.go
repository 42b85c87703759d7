package metrics

import (
	"context"
	"fmt"
	"time"
)

// Watched is a supervised daemon as the collector sees it
type Watched interface {
	Tag() string
	Done() <-chan struct{}
	ExitCode() int
}

// Collector mirrors daemon liveness into the daemon gauges and the health
// registry
type Collector struct {
	daemons  []Watched
	interval time.Duration
}

// NewCollector creates a collector over the given daemons and marks them
// as the components readiness depends on
func NewCollector(daemons []Watched, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	names := make([]string, 0, len(daemons))
	for _, d := range daemons {
		names = append(names, d.Tag())
	}
	SetRequired(names...)

	return &Collector{
		daemons:  daemons,
		interval: interval,
	}
}

// Run collects until ctx is cancelled
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect() {
	for _, d := range c.daemons {
		select {
		case <-d.Done():
			code := d.ExitCode()
			DaemonUp.WithLabelValues(d.Tag()).Set(0)
			DaemonExitCode.WithLabelValues(d.Tag()).Set(float64(code))
			ReportDaemon(d.Tag(), false, fmt.Sprintf("exited with code %d", code))
		default:
			DaemonUp.WithLabelValues(d.Tag()).Set(1)
			ReportDaemon(d.Tag(), true, "running")
		}
	}
}
