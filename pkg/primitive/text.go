package primitive

import (
	"fmt"
	"strings"
)

const (
	defaultTextTokenLength = 100
	// GBNF cannot count tokens; the body is capped in characters instead.
	charsPerToken = 4
)

// Text constrains output to free text of at most TokenLength tokens.
type Text struct {
	TokenLength int
}

var _ Primitive[string] = Text{}

// NewText returns a Text primitive with the default length.
func NewText() Text {
	return Text{TokenLength: defaultTextTokenLength}
}

// TextTokenLength returns a copy limited to n tokens.
func (t Text) TextTokenLength(n int) Text {
	t.TokenLength = n
	return t
}

func (t Text) limit() int {
	if t.TokenLength <= 0 {
		return defaultTextTokenLength
	}
	return t.TokenLength
}

func (Text) Name() string { return "text" }

func (t Text) GBNF(stops StopWords) string {
	return buildGBNF(fmt.Sprintf(`[^\n]{1,%d}`, t.limit()*charsPerToken), nil, stops)
}

func (t Text) Hint(stops StopWords) string {
	return fmt.Sprintf("Answer in plain text on a single line, at most %d tokens.", t.limit()) + stopHint(stops)
}

func (t Text) Normalize(text string) (string, error) {
	return t.Parse(text)
}

// Parse returns the trimmed text. Empty output is ErrParse.
func (t Text) Parse(text string) (string, error) {
	out := strings.TrimSpace(text)
	if out == "" {
		return "", parseError("text", text, "empty")
	}
	return out, nil
}
