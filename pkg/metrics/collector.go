package metrics

import (
	"time"

	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// Collector periodically reads the registry and refreshes the tenant
// gauges so /metrics reflects the catalog without every operation having
// to update them inline.
type Collector struct {
	store  *registry.Store
	stopCh chan struct{}
}

// NewCollector creates a collector over the registry store.
func NewCollector(store *registry.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// allStatuses covers every lifecycle state so gauges for emptied
// statuses drop back to zero instead of sticking at their last value.
var allStatuses = []types.Status{
	types.StatusInitializing,
	types.StatusActive,
	types.StatusSuspended,
	types.StatusDegraded,
	types.StatusEvicting,
}

func (c *Collector) collect() {
	r, err := c.store.Load()
	if err != nil {
		return
	}

	counts := make(map[types.Status]int)
	for _, t := range r.Tenants {
		counts[t.Status]++
	}
	for _, status := range allStatuses {
		TenantsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
