package cascade

import (
	"fmt"
	"strings"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/primitive"
)

// DefaultStopWordDone ends every inference step unless a step overrides it.
const DefaultStopWordDone = "Done."

// StepConfig frames one step and configures its request.
type StepConfig struct {
	StepPrefix string
	StepSuffix string
	// StopWordDone defaults to DefaultStopWordDone when empty.
	StopWordDone     string
	StopWordNoResult string
	// Grammar constrains and parses the step output. Nil accepts any
	// non-empty text.
	Grammar     primitive.Grammar
	CachePrompt bool
}

func (c StepConfig) stopWords() primitive.StopWords {
	done := c.StopWordDone
	if done == "" {
		done = DefaultStopWordDone
	}
	return primitive.StopWords{Done: done, NoResult: c.StopWordNoResult}
}

// StepKind distinguishes steps that call the backend from fixed text.
type StepKind int

const (
	StepInference StepKind = iota
	StepGuidance
)

func (k StepKind) String() string {
	if k == StepGuidance {
		return "guidance"
	}
	return "inference"
}

// StepState tracks execution. A step leaves StepPending exactly once.
type StepState int

const (
	StepPending StepState = iota
	StepExecuted
	StepFailed
)

func (s StepState) String() string {
	switch s {
	case StepExecuted:
		return "executed"
	case StepFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Step is one unit of round work.
type Step struct {
	Config StepConfig
	Kind   StepKind
	State  StepState

	// Guidance is the fixed text of a guidance step.
	Guidance string
	// Raw is the backend output with stop words removed.
	Raw string
	// Result is the parsed value, nil when the step ended on the no-result
	// stop word or has not run.
	Result *string
	// DynamicSuffix replaces StepSuffix at the next render.
	DynamicSuffix string
	Response      *model.Response
	Err           error
}

// SetDynamicSuffix redirects the conversation after the step ran, e.g. to
// retract a rejected answer.
func (s *Step) SetDynamicSuffix(suffix string) {
	s.DynamicSuffix = suffix
}

// output is the text the step contributes to the assistant turn.
func (s *Step) output() string {
	if s.Kind == StepGuidance {
		return s.Guidance
	}
	if s.Result != nil {
		return *s.Result
	}
	if s.State == StepExecuted && s.Config.StopWordNoResult != "" {
		return s.Config.StopWordNoResult
	}
	return s.Raw
}

func (s *Step) suffix() string {
	if s.DynamicSuffix != "" {
		return s.DynamicSuffix
	}
	return s.Config.StepSuffix
}

func (s *Step) render() string {
	return s.Config.StepPrefix + s.output() + s.suffix()
}

func (s *Step) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  step (%s, %s)", s.Kind, s.State)
	if s.Config.Grammar != nil {
		fmt.Fprintf(&b, " grammar=%s", s.Config.Grammar.Name())
	}
	b.WriteString("\n")
	if s.Config.StepPrefix != "" {
		fmt.Fprintf(&b, "    prefix: %q\n", s.Config.StepPrefix)
	}
	switch {
	case s.Kind == StepGuidance:
		fmt.Fprintf(&b, "    guidance: %q\n", s.Guidance)
	case s.Result != nil:
		fmt.Fprintf(&b, "    result: %q\n", *s.Result)
	case s.State == StepExecuted:
		b.WriteString("    result: none\n")
	}
	if suffix := s.suffix(); suffix != "" {
		fmt.Fprintf(&b, "    suffix: %q\n", suffix)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "    error: %v\n", s.Err)
	}
	return b.String()
}
