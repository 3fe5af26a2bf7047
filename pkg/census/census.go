// Package census periodically samples gauge-shaped fleet state that has no
// natural single write path — the server fleet census by status — onto the
// Prometheus metrics the rest of the core already registers. It lives
// outside pkg/metrics because it depends on pkg/heartbeat and pkg/server,
// both of which depend on pkg/metrics for their own counters; folding the
// sampler into pkg/metrics itself would create an import cycle.
package census

import (
	"time"

	"github.com/cuemby/cnapi/pkg/heartbeat"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/server"
)

// Collector samples the heartbeat registry size and the server fleet's
// status breakdown on a fixed interval.
type Collector struct {
	servers  *server.Store
	registry *heartbeat.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a Collector sampling every interval.
func NewCollector(servers *server.Store, registry *heartbeat.Registry, interval time.Duration) *Collector {
	return &Collector{servers: servers, registry: registry, interval: interval, stopCh: make(chan struct{})}
}

// Start begins sampling in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	metrics.RegistrySize.Set(float64(c.registry.Size()))

	servers, err := c.servers.List(server.Filter{}, server.ListOptions{})
	if err != nil {
		return
	}
	statusCounts := make(map[server.Status]int)
	for _, s := range servers {
		statusCounts[s.EffectiveStatus()]++
	}
	for status, count := range statusCounts {
		metrics.ServersByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
