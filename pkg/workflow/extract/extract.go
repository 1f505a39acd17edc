// Package extract selects the URLs in a text that satisfy the caller's
// instructions, one cascade round per candidate.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/llmcascade/pkg/cascade"
	"github.com/cexll/llmcascade/pkg/primitive"
	"github.com/cexll/llmcascade/pkg/request"
	"github.com/cexll/llmcascade/pkg/telemetry"
)

const (
	flowName = "ExtractURLs"

	// DefaultMaxURLs bounds the result set.
	DefaultMaxURLs = 5
	// NoResultStopWord is the sentinel the model answers with once no
	// candidate qualifies.
	NoResultStopWord = "No qualifying URLs."

	criteriaTokenLength = 200
	criteriaStopWord    = ": true or false"
)

var (
	ErrNoInstructions = errors.New("extract: no instructions")
	ErrNoURLs         = errors.New("extract: no URLs found in the instructions")
)

const (
	exampleTask = "We are extracting URLs from text. Show how URLs are judged with the instruction: " +
		"'Which of these URLs are commonly used in webdev tutorials?'"
	exampleAnswer = "`https://www.example.com is commonly used in webdev tutorials: true.` " +
		"The URL satisfies the criteria 'is commonly used in webdev tutorials', so it should be extracted.\n" +
		"`https://www.zombo.com is commonly used in webdev tutorials: false.` " +
		"The URL does not satisfy the criteria 'is commonly used in webdev tutorials', so it should not be extracted."
	criteriaTask = "We are extracting URLs from text using the instructions:\n%s\n" +
		"Briefly describe the criteria of the URLs to be extracted."
	refineTask = "Reframe the instructions and criteria as a statement used to decide whether a URL should be extracted. " +
		"The statement must have a true or false answer that says whether the URL satisfies the criteria. " +
		"Write it as a single 'is' sentence, as in 'The URL is <criteria>: true or false'.\n" +
		"Criteria:\n%s\nInstructions:\n%s"
	firstRoundTask = "Text with URLs to extract:\n%s\n" +
		"Return the URL that is most likely relevant to the criteria. " +
		"If you are certain the text contains no qualifying URLs say '%s'.\n" +
		"Criteria:\nThis URL is %s."
	nextRoundTask = "Return the next URL that is likely to satisfy the criteria, " +
		"or if there are no more URLs to extract say '%s'."

	rejectedSuffix = ". I apologize. This URL does not meet the criteria and was returned by mistake. " +
		"In the future, we'll only return URLs that satisfy the criteria.\n"
	remainingPrefix = "At least one of the remaining URLs, %s, is %s: "
	remainingSuffix = ".\n"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// URLs runs the extraction cascade over one CompletionRequest.
type URLs struct {
	Request  *request.CompletionRequest
	Instruct InstructPrompt
	// Criteria is the boolean "is ..." statement derived from the
	// instructions by the last run.
	Criteria string
	Results  []string
	MaxURLs  int

	logger request.Logger
}

// New returns an extractor that drives req.
func New(req *request.CompletionRequest) *URLs {
	return &URLs{Request: req, MaxURLs: DefaultMaxURLs, logger: discardLogger{}}
}

// WithMaxURLs bounds the number of accepted URLs.
func (e *URLs) WithMaxURLs(n int) *URLs {
	e.MaxURLs = n
	return e
}

// WithLogger routes progress messages to logger.
func (e *URLs) WithLogger(logger request.Logger) *URLs {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Reset clears the instructions, the request state and prior results.
func (e *URLs) Reset() {
	e.Instruct.Reset()
	e.Request.Reset()
	e.Criteria = ""
	e.Results = nil
}

// RunReturnURLs runs the cascade and returns the accepted URLs.
func (e *URLs) RunReturnURLs(ctx context.Context) ([]*url.URL, error) {
	res, err := e.RunReturnResult(ctx)
	if err != nil {
		return nil, err
	}
	return res.URLs, nil
}

// RunReturnResult runs the cascade and returns the URLs with the
// transcript that produced them.
func (e *URLs) RunReturnResult(ctx context.Context) (*Result, error) {
	flow, err := e.run(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Criteria: e.Criteria, Duration: flow.Duration, Flow: flow}
	for _, raw := range e.Results {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("extract: result %q: %w", raw, err)
		}
		res.URLs = append(res.URLs, u)
	}
	return res, nil
}

func (e *URLs) run(ctx context.Context) (flow *cascade.Flow, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := telemetry.StartSpan(ctx, "extract.urls")
	defer func() { telemetry.EndSpan(span, err) }()

	instructions, ok := e.Instruct.BuildInstructions()
	if !ok {
		return nil, ErrNoInstructions
	}
	material, hasMaterial := e.Instruct.BuildSupportingMaterial()

	candidates := FindURLs(instructions)
	if hasMaterial {
		candidates = append(candidates, FindURLs(material)...)
	} else {
		material = instructions
	}
	allowed := primitive.NewExactString()
	for _, u := range candidates {
		allowed.AddStringsToAllowed(u.String())
	}
	if allowed.Len() == 0 {
		return nil, ErrNoURLs
	}
	span.SetAttributes(attribute.Int("extract.candidates", allowed.Len()))
	e.logger.Printf("extract: %d candidate URLs", allowed.Len())

	e.Results = nil
	flow = cascade.New(flowName)
	flow.OpenCascade()
	if err := e.setCriteria(ctx, flow, instructions); err != nil {
		return nil, e.abort(flow, err)
	}
	if err := e.runCascade(ctx, flow, allowed, material); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("extract.results", len(e.Results)))
	return flow, nil
}

// setCriteria shows the model the judging pattern, asks it to describe the
// criteria and has it restate them as one boolean "is" statement.
func (e *URLs) setCriteria(ctx context.Context, flow *cascade.Flow, instructions string) error {
	err := flow.NewRound(exampleTask).
		AddGuidanceStep(cascade.StepConfig{}, exampleAnswer).
		RunAllSteps(ctx, e.Request)
	if err != nil {
		return err
	}

	err = flow.NewRound(fmt.Sprintf(criteriaTask, instructions)).
		AddInferenceStep(cascade.StepConfig{
			StepPrefix: "Criteria: ",
			Grammar:    primitive.NewText().TextTokenLength(criteriaTokenLength),
		}).
		RunAllSteps(ctx, e.Request)
	if err != nil {
		return err
	}
	described, _ := flow.PrimitiveResult()

	err = flow.NewRound(fmt.Sprintf(refineTask, described, instructions)).
		AddInferenceStep(cascade.StepConfig{
			StepPrefix:   "The URL is ",
			StopWordDone: criteriaStopWord,
			Grammar:      primitive.NewText().TextTokenLength(criteriaTokenLength),
		}).
		RunAllSteps(ctx, e.Request)
	if err != nil {
		return err
	}
	criteria, ok := flow.PrimitiveResult()
	if !ok {
		return errors.New("extract: model returned no criteria")
	}
	e.Criteria = strings.TrimSuffix(criteria, ".")
	e.logger.Printf("extract: criteria %q", e.Criteria)
	return nil
}

// runCascade picks, validates and prunes candidates until the sentinel,
// MaxURLs, an empty candidate set or a negative remaining check ends it.
func (e *URLs) runCascade(ctx context.Context, flow *cascade.Flow, allowed *primitive.ExactString, material string) error {
	total := allowed.Len()
	for i := 1; i <= total; i++ {
		if len(e.Results) >= e.MaxURLs || allowed.Len() == 0 {
			break
		}
		task := fmt.Sprintf(nextRoundTask, NoResultStopWord)
		if i == 1 {
			task = fmt.Sprintf(firstRoundTask, material, NoResultStopWord, e.Criteria)
		}
		round := flow.NewRound(task)
		round.StepSeparator = nil
		if err := round.OpenRound(e.Request); err != nil {
			return err
		}

		candidate, ok, err := e.extractStep(ctx, flow, round, allowed)
		if err != nil {
			return e.abort(flow, err)
		}
		if !ok {
			if err := round.CloseRound(e.Request); err != nil {
				return err
			}
			break
		}
		allowed.RemoveStringFromAllowed(candidate)

		valid, err := e.validateStep(ctx, flow, round)
		if err != nil {
			return e.abort(flow, err)
		}
		if valid {
			e.Results = append(e.Results, candidate)
			e.logger.Printf("extract: accepted %s", candidate)
		} else {
			e.logger.Printf("extract: rejected %s", candidate)
			more := false
			if allowed.Len() > 0 {
				if more, err = e.checkRemaining(ctx, flow, round, allowed); err != nil {
					return e.abort(flow, err)
				}
			}
			if !more {
				if err := round.CloseRound(e.Request); err != nil {
					return err
				}
				break
			}
		}
		if err := round.CloseRound(e.Request); err != nil {
			return err
		}
	}
	return flow.CloseCascade()
}

func (e *URLs) extractStep(ctx context.Context, flow *cascade.Flow, round *cascade.Round, allowed *primitive.ExactString) (string, bool, error) {
	round.AddInferenceStep(cascade.StepConfig{
		StopWordNoResult: NoResultStopWord,
		Grammar:          allowed,
		CachePrompt:      true,
	})
	if err := round.RunNextStep(ctx, e.Request); err != nil {
		// An answer outside the candidate set counts as no answer.
		if errors.Is(err, primitive.ErrParse) {
			e.logger.Printf("extract: %v", err)
			return "", false, nil
		}
		return "", false, err
	}
	candidate, ok := flow.PrimitiveResult()
	return candidate, ok, nil
}

func (e *URLs) validateStep(ctx context.Context, flow *cascade.Flow, round *cascade.Round) (bool, error) {
	round.AddInferenceStep(cascade.StepConfig{
		StepPrefix:  fmt.Sprintf(" is %s: ", e.Criteria),
		Grammar:     primitive.Boolean{},
		CachePrompt: true,
	})
	if err := round.RunNextStep(ctx, e.Request); err != nil {
		return false, err
	}
	answer, _ := flow.PrimitiveResult()
	if answer == "true" {
		return true, nil
	}
	step, err := round.LastStep()
	if err != nil {
		return false, err
	}
	step.SetDynamicSuffix(rejectedSuffix)
	return false, nil
}

func (e *URLs) checkRemaining(ctx context.Context, flow *cascade.Flow, round *cascade.Round, allowed *primitive.ExactString) (bool, error) {
	round.AddInferenceStep(cascade.StepConfig{
		StepPrefix:  fmt.Sprintf(remainingPrefix, strings.Join(allowed.Allowed(), ", "), e.Criteria),
		Grammar:     primitive.Boolean{},
		CachePrompt: true,
	})
	if err := round.RunNextStep(ctx, e.Request); err != nil {
		return false, err
	}
	step, err := round.LastStep()
	if err != nil {
		return false, err
	}
	step.SetDynamicSuffix(remainingSuffix)
	answer, _ := flow.PrimitiveResult()
	return answer == "true", nil
}

// abort closes a round left open by a failed step so the shared prompt
// does not keep a dangling assistant turn.
func (e *URLs) abort(flow *cascade.Flow, cause error) error {
	if round, err := flow.LastRound(); err == nil && round.State == cascade.RoundOpen {
		if err := round.CloseRound(e.Request); err != nil {
			return errors.Join(cause, err)
		}
	}
	return cause
}

// Result is a finished extraction.
type Result struct {
	URLs     []*url.URL
	Criteria string
	Duration time.Duration
	Flow     *cascade.Flow
}

func (r *Result) String() string {
	var b strings.Builder
	b.WriteString(r.Flow.Name)
	b.WriteString("\n\n")
	for i, round := range r.Flow.Rounds {
		fmt.Fprintf(&b, "Round %d\n", i+1)
		b.WriteString(round.String())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "criteria: %q\n", r.Criteria)
	fmt.Fprintf(&b, "duration: %s\n", r.Duration)
	if len(r.URLs) > 0 {
		urls := make([]string, 0, len(r.URLs))
		for _, u := range r.URLs {
			urls = append(urls, u.String())
		}
		fmt.Fprintf(&b, "urls: %s\n", strings.Join(urls, ", "))
	}
	return b.String()
}
