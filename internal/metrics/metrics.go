// Package metrics collects counters for the long-lived interceptor
// process. The short-lived CLI commands use the no-op collector; the
// stream accumulator running inside the interceptor can expose the
// Prometheus registry for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives stream-observation events. Implementations must be
// safe for concurrent use.
type Collector interface {
	// EventDecoded counts one successfully decoded stream event by type.
	EventDecoded(eventType string)
	// LineSkipped counts one line dropped by the fail-open parse path.
	LineSkipped()
	// BytesObserved counts bytes seen by the accumulator.
	BytesObserved(n int)
}

// Noop discards all metrics. The default for CLI invocations.
type Noop struct{}

func (Noop) EventDecoded(string) {}
func (Noop) LineSkipped()        {}
func (Noop) BytesObserved(int)   {}

// PromCollector is a Prometheus-backed Collector with its own registry.
type PromCollector struct {
	events   *prometheus.CounterVec
	skipped  prometheus.Counter
	bytes    prometheus.Counter
	registry *prometheus.Registry
}

// NewPromCollector creates a collector with a private registry.
func NewPromCollector() *PromCollector {
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairn_stream_events_total",
			Help: "Stream events decoded by event type",
		},
		[]string{"event_type"},
	)
	skipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cairn_stream_lines_skipped_total",
			Help: "Stream lines dropped by the fail-open parse path",
		},
	)
	bytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cairn_stream_bytes_observed_total",
			Help: "Bytes observed by the stream accumulator",
		},
	)

	registry.MustRegister(events)
	registry.MustRegister(skipped)
	registry.MustRegister(bytes)

	return &PromCollector{
		events:   events,
		skipped:  skipped,
		bytes:    bytes,
		registry: registry,
	}
}

// Registry exposes the private registry for an HTTP scrape handler.
func (c *PromCollector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *PromCollector) EventDecoded(eventType string) {
	c.events.WithLabelValues(eventType).Inc()
}

func (c *PromCollector) LineSkipped() {
	c.skipped.Inc()
}

func (c *PromCollector) BytesObserved(n int) {
	c.bytes.Add(float64(n))
}
