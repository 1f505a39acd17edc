// Package cascade drives a multi-round, grammar-constrained conversation.
// A Flow holds Rounds; a Round holds Steps that write into one assistant
// turn of a shared request prompt.
package cascade

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoRounds       = errors.New("cascade: no rounds")
	ErrRoundNotClosed = errors.New("cascade: last round not closed")
	ErrRoundNotOpen   = errors.New("cascade: round not open")
	ErrRoundOpened    = errors.New("cascade: round already opened")
	ErrNoSteps        = errors.New("cascade: round has no steps")
	ErrNoPendingStep  = errors.New("cascade: no pending step")
	ErrStepExecuted   = errors.New("cascade: step already executed")
	ErrCascadeNotOpen = errors.New("cascade: not open")
)

// FlowState tracks the cascade lifecycle.
type FlowState int

const (
	FlowUnopened FlowState = iota
	FlowOpen
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowOpen:
		return "open"
	case FlowClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// Flow is the top-level cascade session.
type Flow struct {
	ID       string
	Name     string
	Rounds   []*Round
	Start    time.Time
	Duration time.Duration
	State    FlowState
}

// New returns an unopened flow.
func New(name string) *Flow {
	return &Flow{ID: uuid.NewString(), Name: name}
}

// OpenCascade stamps the start time.
func (f *Flow) OpenCascade() {
	f.Start = time.Now()
	f.State = FlowOpen
}

// CloseCascade records the duration. The flow needs at least one round and
// its last round must be closed.
func (f *Flow) CloseCascade() error {
	if f.State != FlowOpen {
		return fmt.Errorf("%w: %s", ErrCascadeNotOpen, f.State)
	}
	last, err := f.LastRound()
	if err != nil {
		return err
	}
	if last.State != RoundClosed {
		return fmt.Errorf("%w: round %d is %s", ErrRoundNotClosed, len(f.Rounds), last.State)
	}
	f.Duration = time.Since(f.Start)
	f.State = FlowClosed
	return nil
}

// NewRound appends a round for task and returns it.
func (f *Flow) NewRound(task string) *Round {
	r := newRound(f.Name, len(f.Rounds), task)
	f.Rounds = append(f.Rounds, r)
	return r
}

// LastRound returns the most recently added round.
func (f *Flow) LastRound() (*Round, error) {
	if len(f.Rounds) == 0 {
		return nil, ErrNoRounds
	}
	return f.Rounds[len(f.Rounds)-1], nil
}

// PrimitiveResult returns the parsed value of the most recently executed
// inference step. It is absent when none has run or when that step ended on
// its no-result stop word.
func (f *Flow) PrimitiveResult() (string, bool) {
	for i := len(f.Rounds) - 1; i >= 0; i-- {
		steps := f.Rounds[i].Steps
		for j := len(steps) - 1; j >= 0; j-- {
			step := steps[j]
			if step.Kind != StepInference || step.State != StepExecuted {
				continue
			}
			if step.Result == nil {
				return "", false
			}
			return *step.Result, true
		}
	}
	return "", false
}

func (f *Flow) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", f.Name, f.State)
	for i, r := range f.Rounds {
		fmt.Fprintf(&b, "Round %d\n", i+1)
		b.WriteString(r.String())
	}
	if f.State == FlowClosed {
		fmt.Fprintf(&b, "duration: %s\n", f.Duration)
	}
	return b.String()
}
