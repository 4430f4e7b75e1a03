package metrics

import "time"

// Sampler is polled periodically to refresh the gauge metrics that
// reflect current dispatcher state rather than a cumulative count.
// Implemented by *dispatcher.Dispatcher; kept narrow so this package
// doesn't import pkg/dispatcher.
type Sampler interface {
	ActiveJobCountByState() map[string]int
	QueueLength() int
	PortPoolOccupancy() (inUse, size int)
	ProxyTokenCount() int
}

// Collector periodically samples a Sampler into the gauge metrics above.
type Collector struct {
	sampler Sampler
	stopCh  chan struct{}
}

// NewCollector constructs a Collector bound to sampler.
func NewCollector(sampler Sampler) *Collector {
	return &Collector{sampler: sampler, stopCh: make(chan struct{})}
}

// Start begins sampling every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, state := range []string{"queued", "starting", "ready", "retiring"} {
		ActiveJobsByState.WithLabelValues(state).Set(0)
	}
	for state, count := range c.sampler.ActiveJobCountByState() {
		ActiveJobsByState.WithLabelValues(state).Set(float64(count))
	}
	QueueLength.Set(float64(c.sampler.QueueLength()))

	inUse, size := c.sampler.PortPoolOccupancy()
	PortPoolInUse.Set(float64(inUse))
	PortPoolSize.Set(float64(size))

	ProxyTokensActive.Set(float64(c.sampler.ProxyTokenCount()))
}
