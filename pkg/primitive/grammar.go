// Package primitive pairs generation grammars with parsers. A primitive
// constrains what a backend may emit for one cascade step and maps the raw
// text back into a typed value.
package primitive

import (
	"errors"
	"fmt"
	"strings"
)

// ErrParse reports text that does not have the primitive's shape.
var ErrParse = errors.New("primitive: parse error")

// StopWords are the step's stop sequences, folded into the grammar so a
// constrained backend can only finish on one of them.
type StopWords struct {
	Done     string
	NoResult string
}

// Grammar is the non-generic face of a primitive used by cascade steps.
type Grammar interface {
	// Name identifies the primitive in transcripts.
	Name() string
	// GBNF returns the grammar handed to backends that enforce it.
	GBNF(stops StopWords) string
	// Hint describes the grammar in prose for backends that cannot.
	Hint(stops StopWords) string
	// Normalize maps raw output to its canonical string form.
	Normalize(text string) (string, error)
}

// Primitive is a grammar whose output parses into T.
type Primitive[T any] interface {
	Grammar
	Parse(text string) (T, error)
}

func parseError(primitive, text, reason string) error {
	return fmt.Errorf("%w: %s: %s (got %q)", ErrParse, primitive, reason, text)
}

// buildGBNF assembles a root rule from the primitive's body rules.
func buildGBNF(body string, extra []string, stops StopWords) string {
	var b strings.Builder
	root := "body"
	if stops.Done != "" {
		root += " done"
	}
	if stops.NoResult != "" {
		root = "(" + root + ") | no-result"
	}
	b.WriteString("root ::= ")
	b.WriteString(root)
	b.WriteString("\nbody ::= ")
	b.WriteString(body)
	b.WriteString("\n")
	for _, rule := range extra {
		b.WriteString(rule)
		b.WriteString("\n")
	}
	if stops.Done != "" {
		b.WriteString(`done ::= " "? `)
		b.WriteString(quoteGBNF(stops.Done))
		b.WriteString("\n")
	}
	if stops.NoResult != "" {
		b.WriteString("no-result ::= ")
		b.WriteString(quoteGBNF(stops.NoResult))
		b.WriteString("\n")
	}
	return b.String()
}

var gbnfEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func quoteGBNF(s string) string {
	return `"` + gbnfEscaper.Replace(s) + `"`
}

// stopHint asks an unconstrained model to write the stop words the
// grammar would otherwise force.
func stopHint(stops StopWords) string {
	var b strings.Builder
	if stops.Done != "" {
		fmt.Fprintf(&b, " Finish your answer with %q.", stops.Done)
	}
	if stops.NoResult != "" {
		fmt.Fprintf(&b, " If nothing qualifies, answer exactly %q.", stops.NoResult)
	}
	return b.String()
}

// trimAnswer strips whitespace, wrapping quotes and trailing sentence
// punctuation from model output.
func trimAnswer(text string) string {
	out := strings.TrimSpace(text)
	out = strings.Trim(out, "`\"'")
	out = strings.TrimRight(out, ".,;:!")
	return strings.TrimSpace(out)
}
