package metrics

import (
	"sync"
	"time"
)

// Counts is a point-in-time view of session state.
type Counts struct {
	Tabs  int
	Users int
	Links int
}

// CountsSource provides session counts. Implemented by session.Registry.
type CountsSource interface {
	Counts() Counts
}

// Collector samples session gauges on an interval.
type Collector struct {
	source   CountsSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector for source.
func NewCollector(source CountsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in a goroutine.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect samples the source once.
func (c *Collector) Collect() {
	counts := c.source.Counts()
	TabsActive.Set(float64(counts.Tabs))
	UsersActive.Set(float64(counts.Users))
	LinksActive.Set(float64(counts.Links))
}
