package telemetry

import (
	"sync"
	"time"
)

// Probe reads one value for a gauge
type Probe struct {
	Gauge Gauge
	Read  func() float64
}

// MetricsCollector samples probes on a fixed interval until stopped
type MetricsCollector struct {
	probes   []Probe
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMetricsCollector creates a collector over the given probes
func NewMetricsCollector(interval time.Duration, probes ...Probe) *MetricsCollector {
	return &MetricsCollector{
		probes:   probes,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start samples once immediately, then every interval
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go func() {
		defer mc.wg.Done()

		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			mc.Sample()
			select {
			case <-ticker.C:
			case <-mc.stopCh:
				return
			}
		}
	}()
}

// Sample reads every probe once
func (mc *MetricsCollector) Sample() {
	for _, p := range mc.probes {
		p.Gauge.Set(p.Read())
	}
}

// Stop ends sampling; safe to call more than once
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}
