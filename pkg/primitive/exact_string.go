package primitive

import (
	"fmt"
	"strings"
)

// ExactString constrains output to one string from an ordered,
// duplicate-free allowed set. The set shrinks as candidates are consumed.
type ExactString struct {
	allowed []string
}

var _ Primitive[string] = (*ExactString)(nil)

// NewExactString returns a primitive allowing values.
func NewExactString(values ...string) *ExactString {
	p := &ExactString{}
	p.AddStringsToAllowed(values...)
	return p
}

func (p *ExactString) Name() string { return "exact_string" }

// AddStringsToAllowed appends values that are not already allowed, keeping
// first-seen order. Empty strings are ignored.
func (p *ExactString) AddStringsToAllowed(values ...string) {
	for _, v := range values {
		if v == "" || p.index(v) >= 0 {
			continue
		}
		p.allowed = append(p.allowed, v)
	}
}

// RemoveStringFromAllowed drops value from the set. Removing a value that is
// not present is a no-op.
func (p *ExactString) RemoveStringFromAllowed(value string) {
	if i := p.index(value); i >= 0 {
		p.allowed = append(p.allowed[:i], p.allowed[i+1:]...)
	}
}

// Allowed returns a copy of the allowed set in order.
func (p *ExactString) Allowed() []string {
	return append([]string(nil), p.allowed...)
}

// Len returns the size of the allowed set.
func (p *ExactString) Len() int { return len(p.allowed) }

func (p *ExactString) index(value string) int {
	for i, v := range p.allowed {
		if v == value {
			return i
		}
	}
	return -1
}

func (p *ExactString) GBNF(stops StopWords) string {
	if len(p.allowed) == 0 {
		// Nothing left to choose; only the stop branches remain reachable.
		return buildGBNF(`""`, nil, stops)
	}
	items := make([]string, 0, len(p.allowed))
	for _, v := range p.allowed {
		items = append(items, quoteGBNF(v))
	}
	return buildGBNF(strings.Join(items, " | "), nil, stops)
}

func (p *ExactString) Hint(stops StopWords) string {
	quoted := make([]string, 0, len(p.allowed))
	for _, v := range p.allowed {
		quoted = append(quoted, fmt.Sprintf("%q", v))
	}
	return "Answer with exactly one of the following, verbatim: " + strings.Join(quoted, ", ") + "." + stopHint(stops)
}

func (p *ExactString) Normalize(text string) (string, error) {
	return p.Parse(text)
}

// Parse returns the allowed value text names. Exact matches win, then
// matches after trimming quotes and trailing punctuation, then
// case-insensitive matches.
func (p *ExactString) Parse(text string) (string, error) {
	raw := strings.TrimSpace(text)
	if i := p.index(raw); i >= 0 {
		return p.allowed[i], nil
	}
	trimmed := trimAnswer(raw)
	if i := p.index(trimmed); i >= 0 {
		return p.allowed[i], nil
	}
	for _, v := range p.allowed {
		if strings.EqualFold(v, raw) || strings.EqualFold(v, trimmed) {
			return v, nil
		}
	}
	return "", parseError("exact_string", text, "not in allowed set")
}
