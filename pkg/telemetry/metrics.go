package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AttemptData describes one completion attempt.
type AttemptData struct {
	Backend   string
	Model     string
	RequestID string
	Attempt   int
	// Outcome is the finish reason on success or the retry cause.
	Outcome  string
	Duration time.Duration
	Error    error
}

// StepData describes one executed cascade step.
type StepData struct {
	Cascade string
	Round   int
	Step    int
	Kind    string
	Error   error
}

// RecordAttempt updates the attempt counter, error counter and latency
// histogram.
func (m *Manager) RecordAttempt(ctx context.Context, data AttemptData) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{
		attribute.String("request.backend", data.Backend),
		attribute.String("request.outcome", m.MaskText(data.Outcome)),
		attribute.Bool("request.error", data.Error != nil),
	}
	if data.Model != "" {
		attrs = append(attrs, attribute.String("request.model", data.Model))
	}
	set := metric.WithAttributes(attrs...)
	m.attempts.Add(ctx, 1, set)
	if data.Error != nil {
		m.errors.Add(ctx, 1, set)
	}
	if data.Duration > 0 {
		m.duration.Record(ctx, float64(data.Duration)/float64(time.Millisecond), set)
	}
}

// RecordStep counts an executed cascade step.
func (m *Manager) RecordStep(ctx context.Context, data StepData) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cascade.name", data.Cascade),
		attribute.String("cascade.step.kind", data.Kind),
		attribute.Bool("cascade.step.error", data.Error != nil),
	))
}
