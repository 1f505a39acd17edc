package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupManager(t *testing.T) (*Manager, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	mgr, err := NewManager(Config{
		ServiceName:    "llmcascade-test",
		ServiceVersion: "0.1.0",
		Environment:    "test",
		MeterProvider:  mp,
		TracerProvider: tp,
		Filter: FilterConfig{
			Mask:     "***REDACTED***",
			Patterns: []string{`customer-id\s*[=:]\s*\d+`},
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return mgr, reader, exporter
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func TestMaskText(t *testing.T) {
	mgr, _, _ := setupManager(t)
	masked := mgr.MaskText("key sk-secret-001 for customer-id=4242 and Bearer abc.def")
	for _, leaked := range []string{"sk-secret", "4242", "abc.def"} {
		if strings.Contains(masked, leaked) {
			t.Fatalf("expected %q masked, got %q", leaked, masked)
		}
	}
	if !strings.Contains(masked, "***REDACTED***") {
		t.Fatalf("expected custom mask, got %q", masked)
	}
}

func TestSanitizeAttributes(t *testing.T) {
	mgr, _, _ := setupManager(t)
	attrs := mgr.SanitizeAttributes(
		attribute.String("prompt", "sk-secret-002"),
		attribute.StringSlice("notes", []string{"customer-id: 7777", "plain"}),
		attribute.Int("attempt", 2),
	)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attrs, got %d", len(attrs))
	}
	if strings.Contains(attrs[0].Value.AsString(), "sk-secret") {
		t.Fatalf("string attribute not masked: %+v", attrs[0])
	}
	notes := attrs[1].Value.AsStringSlice()
	if strings.Contains(notes[0], "7777") || notes[1] != "plain" {
		t.Fatalf("unexpected slice masking: %v", notes)
	}
	if attrs[2].Value.AsInt64() != 2 {
		t.Fatalf("non-string attribute changed: %+v", attrs[2])
	}
}

func TestInvalidFilterPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(Config{Filter: FilterConfig{Patterns: []string{"("}}}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestEndSpanStatus(t *testing.T) {
	mgr, _, exporter := setupManager(t)
	ctx, span := mgr.StartSpan(context.Background(), "request.attempt")
	EndSpan(span, errors.New("upstream timeout"))
	_, span = mgr.StartSpan(ctx, "request.attempt")
	EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[1].Status)
	}
}

func TestRecordAttempt(t *testing.T) {
	mgr, reader, _ := setupManager(t)
	ctx := context.Background()
	mgr.RecordAttempt(ctx, AttemptData{Backend: "local", Attempt: 1, Outcome: "stop_limit", Duration: 5 * time.Millisecond, Error: errors.New("retry")})
	mgr.RecordAttempt(ctx, AttemptData{Backend: "local", Attempt: 2, Outcome: "eos", Duration: 3 * time.Millisecond})

	attempts := collectMetric(t, reader, "request.attempts.total")
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected attempts data: %#v", attempts.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 attempts, got %d", total)
	}

	errs := collectMetric(t, reader, "request.errors.total")
	errSum := errs.Data.(metricdata.Sum[int64])
	if len(errSum.DataPoints) != 1 || errSum.DataPoints[0].Value != 1 {
		t.Fatalf("expected one error data point, got %#v", errSum.DataPoints)
	}
	if flag, ok := errSum.DataPoints[0].Attributes.Value("request.error"); !ok || !flag.AsBool() {
		t.Fatalf("expected error attribute, got %+v", flag)
	}

	hist := collectMetric(t, reader, "request.duration.ms")
	if _, ok := hist.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("unexpected histogram data: %#v", hist.Data)
	}
}

func TestDefaultManagerHelpers(t *testing.T) {
	if got := MaskText("sk-abc123"); strings.Contains(got, "abc123") {
		t.Fatalf("builtin filter not applied without manager: %q", got)
	}
	// No manager installed: recording is a no-op.
	RecordAttempt(context.Background(), AttemptData{Backend: "openai"})

	mgr, reader, exporter := setupManager(t)
	SetDefault(mgr)
	t.Cleanup(func() { SetDefault(nil) })
	if Default() != mgr {
		t.Fatal("default manager not installed")
	}

	_, span := StartSpan(context.Background(), "cascade.step")
	EndSpan(span, nil)
	if len(exporter.GetSpans()) != 1 {
		t.Fatalf("expected span on default manager")
	}

	RecordStep(context.Background(), StepData{Cascade: "extract", Kind: "inference"})
	steps := collectMetric(t, reader, "cascade.steps.total")
	sum := steps.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected step metric: %#v", sum.DataPoints)
	}

	next, _, _ := setupManager(t)
	SetDefault(next)
	ClearDefault(mgr)
	if Default() != next {
		t.Fatal("clearing a replaced manager uninstalled its successor")
	}
	ClearDefault(next)
	if Default() != nil {
		t.Fatal("current manager not cleared")
	}
}
