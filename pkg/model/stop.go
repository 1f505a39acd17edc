package model

import "strings"

// StopSequences is the set of named sequences a backend stops generation on.
// When Required is true a response that did not stop on one of them is an
// error condition for the request engine.
type StopSequences struct {
	Done     string
	NoResult string
	Required bool
}

// List returns the non-empty sequences, Done first.
func (s StopSequences) List() []string {
	out := make([]string, 0, 2)
	if s.Done != "" {
		out = append(out, s.Done)
	}
	if s.NoResult != "" && s.NoResult != s.Done {
		out = append(out, s.NoResult)
	}
	return out
}

// Empty reports whether no sequence is set.
func (s StopSequences) Empty() bool {
	return s.Done == "" && s.NoResult == ""
}

// Clear drops both sequences and the required flag.
func (s *StopSequences) Clear() {
	*s = StopSequences{}
}

// Match classifies a stop on the exact sequence reported by the backend.
func (s StopSequences) Match(seq string) FinishReason {
	for _, listed := range s.List() {
		if seq == listed {
			return MatchingStop(listed)
		}
	}
	return NonMatchingStop(seq)
}

// Classify interprets a plain "stop" finish from a backend that strips the
// matched sequence from its output and does not report which one fired. It
// returns the reason and the content with any echoed sequence removed.
//
// Content that ends with a listed sequence matches it. Empty content, or
// content containing NoResult, matches NoResult. Otherwise the stop is
// attributed to Done when it is set.
func (s StopSequences) Classify(content string) (FinishReason, string) {
	trimmed := strings.TrimSpace(content)
	for _, seq := range s.List() {
		if strings.HasSuffix(trimmed, seq) {
			return MatchingStop(seq), strings.TrimSpace(strings.TrimSuffix(trimmed, seq))
		}
	}
	if s.NoResult != "" && (trimmed == "" || strings.Contains(trimmed, s.NoResult)) {
		return MatchingStop(s.NoResult), ""
	}
	if s.Done != "" {
		return MatchingStop(s.Done), content
	}
	if s.Empty() {
		return EOS(), content
	}
	return NonMatchingStop(""), content
}
