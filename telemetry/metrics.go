package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/slopmasterai/maestro"

var (
	instMu     sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

func counter(name string) metric.Float64Counter {
	instMu.Lock()
	defer instMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c, _ := otel.Meter(meterName).Float64Counter(name)
	counters[name] = c
	return c
}

func histogram(name string) metric.Float64Histogram {
	instMu.Lock()
	defer instMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h
	}
	h, _ := otel.Meter(meterName).Float64Histogram(name)
	histograms[name] = h
	return h
}

// labelAttrs converts "k1, v1, k2, v2" pairs into otel attributes.
// An unpaired trailing label is ignored.
func labelAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs:
// Counter("maestro.workflow.completed", "status", "failed")
func Counter(name string, labels ...string) {
	counter(name).Add(context.Background(), 1, metric.WithAttributes(labelAttrs(labels)...))
}

// Histogram records a value in a distribution.
// Use for latencies, queue depths, scores.
func Histogram(name string, value float64, labels ...string) {
	histogram(name).Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

// Duration records elapsed time since startTime in milliseconds
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}
