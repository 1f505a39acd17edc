package telemetry

import (
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMask = "***"

var builtinPatterns = []string{
	`sk-[A-Za-z0-9_\-]+`,
	`AIza[0-9A-Za-z_\-]{20,}`,
	`(?i)bearer\s+[A-Za-z0-9._\-]+`,
	`(?i)(api[_-]?key|x-api-key)\s*[=:]\s*\S+`,
}

// FilterConfig extends the built-in secret patterns.
type FilterConfig struct {
	Mask     string
	Patterns []string
	// DisableBuiltins drops the API-key patterns.
	DisableBuiltins bool
}

type filter struct {
	replacement string
	patterns    []*regexp.Regexp
}

func newFilter(cfg FilterConfig) (*filter, error) {
	f := &filter{replacement: cfg.Mask}
	if f.replacement == "" {
		f.replacement = defaultMask
	}
	var sources []string
	if !cfg.DisableBuiltins {
		sources = append(sources, builtinPatterns...)
	}
	sources = append(sources, cfg.Patterns...)
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("telemetry: filter pattern %q: %w", src, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *filter) mask(text string) string {
	if f == nil || text == "" {
		return text
	}
	for _, re := range f.patterns {
		text = re.ReplaceAllString(text, f.replacement)
	}
	return text
}

func (f *filter) sanitize(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, attribute.String(string(kv.Key), f.mask(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			values := kv.Value.AsStringSlice()
			masked := make([]string, len(values))
			for i, v := range values {
				masked[i] = f.mask(v)
			}
			out = append(out, attribute.StringSlice(string(kv.Key), masked))
		default:
			out = append(out, kv)
		}
	}
	return out
}
