package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "engram"

// Metrics holds all engram metric instruments.
type Metrics struct {
	MemoriesStored   metric.Int64Counter
	Searches         metric.Int64Counter
	ProviderFailures metric.Int64Counter
	Ingestions       metric.Int64Counter
	Reflections      metric.Int64Counter
	LoopIterations   metric.Int64Counter
	CompactDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.MemoriesStored, err = meter.Int64Counter("engram.memories.stored",
		metric.WithDescription("Number of memory records stored"))
	if err != nil {
		return nil, err
	}

	m.Searches, err = meter.Int64Counter("engram.searches",
		metric.WithDescription("Number of fan-out searches"))
	if err != nil {
		return nil, err
	}

	m.ProviderFailures, err = meter.Int64Counter("engram.provider.failures",
		metric.WithDescription("Number of provider operations that failed"))
	if err != nil {
		return nil, err
	}

	m.Ingestions, err = meter.Int64Counter("engram.ingestions",
		metric.WithDescription("Number of ingestion runs"))
	if err != nil {
		return nil, err
	}

	m.Reflections, err = meter.Int64Counter("engram.reflections",
		metric.WithDescription("Number of reflection summaries persisted"))
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("engram.loop.iterations",
		metric.WithDescription("Number of agent loop iterations executed"))
	if err != nil {
		return nil, err
	}

	m.CompactDuration, err = meter.Float64Histogram("engram.compact.duration_seconds",
		metric.WithDescription("Context compaction duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
