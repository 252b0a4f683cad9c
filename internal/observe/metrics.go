// Package observe holds the exam service's OpenTelemetry metrics and the
// HTTP middleware that records them. Metrics are exported for Prometheus
// scraping by InitProvider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/pavelanni/oralexam"

// Provider operations.
const (
	OpReformulate = "reformulate"
	OpTranscribe  = "transcribe"
	OpSynthesize  = "synthesize"
)

// Metrics holds the metric instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// ProviderDuration tracks model provider latency, by operation.
	ProviderDuration metric.Float64Histogram

	// ProviderErrors counts failed provider calls, by operation.
	ProviderErrors metric.Int64Counter

	// HTTPRequestDuration tracks request handling time, by method, route
	// and status.
	HTTPRequestDuration metric.Float64Histogram

	// AnswerBytes tracks the size of uploaded answers.
	AnswerBytes metric.Int64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60,
}

var sizeBuckets = []float64{
	1 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderDuration, err = m.Float64Histogram("oralexam.provider.duration",
		metric.WithDescription("Latency of model provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("oralexam.provider.errors",
		metric.WithDescription("Failed model provider calls by operation."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("oralexam.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnswerBytes, err = m.Int64Histogram("oralexam.answer.size",
		metric.WithDescription("Size of uploaded answer recordings."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordProvider records the duration of one provider call started at start
// and counts it as an error when err is non-nil. A nil receiver is a no-op.
func (m *Metrics) RecordProvider(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.ProviderDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordAnswerSize records the size of an uploaded answer.
func (m *Metrics) RecordAnswerSize(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.AnswerBytes.Record(ctx, n)
}
