package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	defaultManager atomic.Pointer[Manager]

	fallbackOnce   sync.Once
	fallbackFilter *filter
)

// SetDefault installs mgr for the package-level helpers. nil uninstalls.
func SetDefault(mgr *Manager) {
	defaultManager.Store(mgr)
}

// ClearDefault uninstalls mgr if it is still the default, leaving a
// Manager installed after it in place.
func ClearDefault(mgr *Manager) {
	defaultManager.CompareAndSwap(mgr, nil)
}

// Default returns the installed Manager or nil.
func Default() *Manager {
	return defaultManager.Load()
}

func builtinFilter() *filter {
	fallbackOnce.Do(func() {
		// Built-in patterns are constants; compilation cannot fail.
		fallbackFilter, _ = newFilter(FilterConfig{})
	})
	return fallbackFilter
}

// StartSpan starts a span on the default Manager, falling back to the
// global otel tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if mgr := Default(); mgr != nil {
		return mgr.StartSpan(ctx, name, opts...)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// MaskText masks text with the default Manager's filter.
func MaskText(text string) string {
	if mgr := Default(); mgr != nil {
		return mgr.MaskText(text)
	}
	return builtinFilter().mask(text)
}

// SanitizeAttributes masks attribute values with the default filter.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if mgr := Default(); mgr != nil {
		return mgr.SanitizeAttributes(attrs...)
	}
	return builtinFilter().sanitize(attrs)
}

// RecordAttempt records data on the default Manager, if any.
func RecordAttempt(ctx context.Context, data AttemptData) {
	if mgr := Default(); mgr != nil {
		mgr.RecordAttempt(ctx, data)
	}
}

// RecordStep records data on the default Manager, if any.
func RecordStep(ctx context.Context, data StepData) {
	if mgr := Default(); mgr != nil {
		mgr.RecordStep(ctx, data)
	}
}
