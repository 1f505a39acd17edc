// Package telemetry wires OpenTelemetry tracing and metrics for completion
// requests and cascades, masking sensitive text before it reaches an
// exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cexll/llmcascade"

// Config controls Manager construction. Providers supplied by the caller
// are used as-is and not shut down by the Manager.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint enables an OTLP/HTTP trace exporter ("host:port").
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// SampleRatio in (0,1] samples traces; zero means always sample.
	SampleRatio float64

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Filter FilterConfig
}

// Manager owns the tracer, meter and instruments used across the module.
type Manager struct {
	tracer trace.Tracer
	meter  metric.Meter
	filter *filter

	attempts metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	steps    metric.Int64Counter

	shutdown []func(context.Context) error
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	flt, err := newFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	mgr := &Manager{filter: flt}

	res := resource.NewSchemaless(resourceAttributes(cfg)...)

	tp := cfg.TracerProvider
	if tp == nil {
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
			opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))))
		}
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			exp, err := newExporter(endpoint, cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		sdkTP := sdktrace.NewTracerProvider(opts...)
		mgr.shutdown = append(mgr.shutdown, sdkTP.Shutdown)
		tp = sdkTP
	}

	mp := cfg.MeterProvider
	if mp == nil {
		sdkMP := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		mgr.shutdown = append(mgr.shutdown, sdkMP.Shutdown)
		mp = sdkMP
	}

	mgr.tracer = tp.Tracer(instrumentationName)
	mgr.meter = mp.Meter(instrumentationName)
	if err := mgr.initInstruments(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "llmcascade"
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if v := strings.TrimSpace(cfg.ServiceVersion); v != "" {
		attrs = append(attrs, attribute.String("service.version", v))
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	return attrs
}

func newExporter(endpoint string, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}
	return exp, nil
}

func (m *Manager) initInstruments() error {
	var err error
	if m.attempts, err = m.meter.Int64Counter("request.attempts.total",
		metric.WithDescription("Completion attempts sent to a backend.")); err != nil {
		return fmt.Errorf("telemetry: attempts counter: %w", err)
	}
	if m.errors, err = m.meter.Int64Counter("request.errors.total",
		metric.WithDescription("Completion attempts that ended in an error.")); err != nil {
		return fmt.Errorf("telemetry: errors counter: %w", err)
	}
	if m.duration, err = m.meter.Float64Histogram("request.duration.ms",
		metric.WithDescription("Completion attempt latency."),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	if m.steps, err = m.meter.Int64Counter("cascade.steps.total",
		metric.WithDescription("Cascade steps executed.")); err != nil {
		return fmt.Errorf("telemetry: steps counter: %w", err)
	}
	return nil
}

// Shutdown flushes and stops providers the Manager created.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	for i := len(m.shutdown) - 1; i >= 0; i-- {
		if err := m.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.shutdown = nil
	return errors.Join(errs...)
}

// StartSpan starts a span on the Manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText replaces sensitive substrings in text.
func (m *Manager) MaskText(text string) string {
	return m.filter.mask(text)
}

// SanitizeAttributes masks string and string-slice attribute values.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return m.filter.sanitize(attrs)
}

// EndSpan records err on span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
