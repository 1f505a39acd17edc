package cascade

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/request"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

const defaultStepSeparator = '\n'

// RoundState tracks a round's effect on the shared prompt.
type RoundState int

const (
	RoundUnopened RoundState = iota
	RoundOpen
	RoundClosed
)

func (s RoundState) String() string {
	switch s {
	case RoundOpen:
		return "open"
	case RoundClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// Separator returns a pointer suitable for Round.StepSeparator.
func Separator(r rune) *rune { return &r }

// Round is an ordered list of steps answered in one assistant turn.
type Round struct {
	Task  string
	Steps []*Step
	// StepSeparator is written between rendered steps; nil joins them
	// directly.
	StepSeparator *rune
	State         RoundState

	cascade string
	index   int
}

func newRound(cascade string, index int, task string) *Round {
	return &Round{
		Task:          task,
		StepSeparator: Separator(defaultStepSeparator),
		cascade:       cascade,
		index:         index,
	}
}

// AddGuidanceStep enqueues fixed assistant text. Guidance steps never call
// the backend.
func (r *Round) AddGuidanceStep(cfg StepConfig, text string) *Round {
	r.Steps = append(r.Steps, &Step{Config: cfg, Kind: StepGuidance, Guidance: text})
	return r
}

// AddInferenceStep enqueues a step answered by the backend.
func (r *Round) AddInferenceStep(cfg StepConfig) *Round {
	r.Steps = append(r.Steps, &Step{Config: cfg, Kind: StepInference})
	return r
}

// LastStep returns the most recently added step.
func (r *Round) LastStep() (*Step, error) {
	if len(r.Steps) == 0 {
		return nil, ErrNoSteps
	}
	return r.Steps[len(r.Steps)-1], nil
}

// OpenRound adds the task as a user turn and opens the assistant turn the
// steps write into.
func (r *Round) OpenRound(req *request.CompletionRequest) error {
	if r.State != RoundUnopened {
		return fmt.Errorf("%w: round %d is %s", ErrRoundOpened, r.index+1, r.State)
	}
	req.Prompt.AddUser(r.Task)
	req.Prompt.OpenTurn("")
	r.State = RoundOpen
	return nil
}

// CloseRound writes the final rendering of every executed step, pending
// dynamic suffixes included, and seals the assistant turn.
func (r *Round) CloseRound(req *request.CompletionRequest) error {
	if r.State != RoundOpen {
		return fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, r.index+1, r.State)
	}
	if err := req.Prompt.SetOpenTurn(r.render(-1)); err != nil {
		return err
	}
	req.Prompt.SealTurn()
	r.State = RoundClosed
	return nil
}

// RunNextStep executes the first pending step.
func (r *Round) RunNextStep(ctx context.Context, req *request.CompletionRequest) error {
	if r.State != RoundOpen {
		return fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, r.index+1, r.State)
	}
	for i, step := range r.Steps {
		if step.State == StepPending {
			return r.runStep(ctx, req, i)
		}
	}
	return ErrNoPendingStep
}

// RunAllSteps opens the round if needed, executes every pending step and
// closes it.
func (r *Round) RunAllSteps(ctx context.Context, req *request.CompletionRequest) error {
	if r.State == RoundUnopened {
		if err := r.OpenRound(req); err != nil {
			return err
		}
	}
	for i, step := range r.Steps {
		if step.State != StepPending {
			continue
		}
		if err := r.runStep(ctx, req, i); err != nil {
			return err
		}
	}
	return r.CloseRound(req)
}

// RunStep executes the step at index i.
func (r *Round) RunStep(ctx context.Context, req *request.CompletionRequest, i int) error {
	if r.State != RoundOpen {
		return fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, r.index+1, r.State)
	}
	if i < 0 || i >= len(r.Steps) {
		return fmt.Errorf("cascade: step %d out of range", i)
	}
	if r.Steps[i].State != StepPending {
		return ErrStepExecuted
	}
	return r.runStep(ctx, req, i)
}

func (r *Round) runStep(ctx context.Context, req *request.CompletionRequest, i int) (err error) {
	step := r.Steps[i]
	ctx, span := telemetry.StartSpan(ctx, "cascade.step",
		trace.WithAttributes(
			attribute.String("cascade.name", r.cascade),
			attribute.Int("cascade.round", r.index+1),
			attribute.Int("cascade.step", i+1),
			attribute.String("cascade.step.kind", step.Kind.String()),
		),
	)
	defer func() {
		telemetry.RecordStep(ctx, telemetry.StepData{
			Cascade: r.cascade,
			Round:   r.index + 1,
			Step:    i + 1,
			Kind:    step.Kind.String(),
			Error:   err,
		})
		telemetry.EndSpan(span, err)
	}()

	if err := req.Prompt.SetOpenTurn(r.render(i)); err != nil {
		return err
	}
	if step.Kind == StepGuidance {
		step.State = StepExecuted
		return nil
	}

	stops := step.Config.stopWords()
	req.SetStopSequences(stops.Done, stops.NoResult)
	req.Grammar, req.GrammarHint = "", ""
	if g := step.Config.Grammar; g != nil {
		req.Grammar = g.GBNF(stops)
		req.GrammarHint = g.Hint(stops)
	}
	req.Config.CachePrompt = step.Config.CachePrompt

	resp, err := req.Execute(ctx)
	if err != nil {
		return step.fail(fmt.Errorf("cascade: round %d step %d: %w", r.index+1, i+1, err))
	}
	step.Response = resp
	step.Raw = strings.TrimSpace(resp.Content)

	if resp.FinishReason.Kind == model.FinishMatchingStop && stops.NoResult != "" && resp.FinishReason.Sequence == stops.NoResult {
		step.State = StepExecuted
		return nil
	}

	value := step.Raw
	if g := step.Config.Grammar; g != nil {
		value, err = g.Normalize(step.Raw)
		if err != nil {
			return step.fail(fmt.Errorf("cascade: round %d step %d: %w", r.index+1, i+1, err))
		}
	}
	step.Result = &value
	step.State = StepExecuted
	return nil
}

func (s *Step) fail(err error) error {
	s.State = StepFailed
	s.Err = err
	return err
}

// render joins executed steps before index next, then the prefix of step
// next. A negative next renders every executed step.
func (r *Round) render(next int) string {
	var b strings.Builder
	wrote := false
	sep := func() {
		if wrote && r.StepSeparator != nil {
			b.WriteRune(*r.StepSeparator)
		}
	}
	for i, step := range r.Steps {
		if i == next {
			sep()
			b.WriteString(step.Config.StepPrefix)
			break
		}
		if step.State != StepExecuted {
			continue
		}
		sep()
		b.WriteString(step.render())
		wrote = true
	}
	return b.String()
}

func (r *Round) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  task: %q (%s)\n", r.Task, r.State)
	for _, step := range r.Steps {
		b.WriteString(step.String())
	}
	return b.String()
}
