package observability

import (
	"sync"
	"time"
)

// NoopMetrics discards all measurements
type NoopMetrics struct{}

// NewNoopMetrics creates a metrics client that discards everything
func NewNoopMetrics() MetricsClient { return &NoopMetrics{} }

func (m *NoopMetrics) IncrementCounter(name string, value float64)        {}
func (m *NoopMetrics) RecordLatency(operation string, d time.Duration) {}

// InMemoryMetrics accumulates counters in memory. Intended for tests and
// for processes that poll and export measurements themselves.
type InMemoryMetrics struct {
	mu        sync.Mutex
	counters  map[string]float64
	latencies map[string][]time.Duration
}

// NewInMemoryMetrics creates an empty in-memory metrics client
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters:  make(map[string]float64),
		latencies: make(map[string][]time.Duration),
	}
}

// IncrementCounter adds value to the named counter
func (m *InMemoryMetrics) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordLatency appends an observed duration for the named operation
func (m *InMemoryMetrics) RecordLatency(operation string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[operation] = append(m.latencies[operation], d)
}

// Counter returns the current value of the named counter
func (m *InMemoryMetrics) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}
