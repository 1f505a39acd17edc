package primitive

import "strings"

// Boolean constrains output to true or false.
type Boolean struct{}

var _ Primitive[bool] = Boolean{}

func (Boolean) Name() string { return "boolean" }

func (Boolean) GBNF(stops StopWords) string {
	return buildGBNF(`"true" | "false"`, nil, stops)
}

func (Boolean) Hint(stops StopWords) string {
	return "Answer with exactly one word: true or false." + stopHint(stops)
}

func (b Boolean) Normalize(text string) (string, error) {
	v, err := b.Parse(text)
	if err != nil {
		return "", err
	}
	if v {
		return "true", nil
	}
	return "false", nil
}

// Parse maps "true"/"false" (any case, trailing punctuation ignored) to a
// bool. Anything else is ErrParse.
func (Boolean) Parse(text string) (bool, error) {
	switch strings.ToLower(trimAnswer(text)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, parseError("boolean", text, "expected true or false")
	}
}
