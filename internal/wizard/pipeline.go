package wizard

import (
	"context"
	"fmt"
	"time"
)

// Phase is one narrated stage of a submission. Phases run strictly in order;
// each one waits out its Delay, runs its work and then advances progress.
type Phase struct {
	Name     string
	Message  string
	Progress int
	Delay    time.Duration
	// Run performs the phase's own work, if any.
	Run func(ctx context.Context, answers Answers) error
	// Transmit marks the phase that hands the answers to the Submitter.
	Transmit bool
}

// Submitter hands an accepted answer set to the backend and returns its
// confirmation reference.
type Submitter interface {
	Submit(ctx context.Context, formID string, answers Answers) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, formID string, answers Answers) (string, error)

// Submit implements Submitter.
func (f SubmitterFunc) Submit(ctx context.Context, formID string, answers Answers) (string, error) {
	return f(ctx, formID, answers)
}

// Clock paces phase delays. Tests substitute a clock that advances logical
// time instead of sleeping.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the outcome of a submission attempt.
type Result struct {
	Accepted  bool     `json:"accepted"`
	Reference string   `json:"reference,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	StepIndex int      `json:"stepIndex"`
	Errors    ErrorMap `json:"errors,omitempty"`
	Err       error    `json:"-"`
}

// Submission is a handle on a running or finished submission.
type Submission struct {
	done chan struct{}
	res  Result
}

func newSubmission() *Submission {
	return &Submission{done: make(chan struct{})}
}

func resolvedSubmission(res Result) *Submission {
	s := newSubmission()
	s.finish(res)
	return s
}

func (s *Submission) finish(res Result) {
	s.res = res
	close(s.done)
}

// Done is closed once the submission has resolved.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission resolves or ctx is done.
func (s *Submission) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pipeline runs a form's submission phases.
type Pipeline struct {
	Phases       []Phase
	Submitter    Submitter
	Clock        Clock
	PhaseTimeout time.Duration
}

// applyFunc mutates the owning state if the run is still current and
// reports false once the run has been superseded.
type applyFunc func(func(*State)) bool

func (p *Pipeline) run(ctx context.Context, formID string, answers Answers, apply applyFunc) Result {
	transmitted := false
	var ref string
	for _, ph := range p.Phases {
		if !apply(func(s *State) { s.StatusMessage = ph.Message }) {
			return Result{Phase: ph.Name, Err: ErrAborted}
		}
		r, err := p.runPhase(ctx, formID, ph, answers)
		if err != nil {
			return Result{Phase: ph.Name, Err: err}
		}
		if ph.Transmit {
			transmitted, ref = true, r
		}
		if !apply(func(s *State) { s.Progress = ph.Progress }) {
			return Result{Phase: ph.Name, Reference: ref, Err: ErrAborted}
		}
	}
	if !transmitted && p.Submitter != nil {
		r, err := p.transmit(ctx, formID, answers)
		if err != nil {
			return Result{Phase: "transmit", Err: err}
		}
		ref = r
	}
	return Result{Accepted: true, Reference: ref}
}

func (p *Pipeline) runPhase(ctx context.Context, formID string, ph Phase, answers Answers) (string, error) {
	if p.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PhaseTimeout)
		defer cancel()
	}
	clock := p.Clock
	if clock == nil {
		clock = systemClock{}
	}
	if err := clock.Sleep(ctx, ph.Delay); err != nil {
		return "", fmt.Errorf("phase %s: %w", ph.Name, err)
	}
	if ph.Run != nil {
		if err := ph.Run(ctx, answers); err != nil {
			return "", fmt.Errorf("phase %s: %w", ph.Name, err)
		}
	}
	if !ph.Transmit || p.Submitter == nil {
		return "", nil
	}
	ref, err := p.Submitter.Submit(ctx, formID, answers)
	if err != nil {
		return "", fmt.Errorf("phase %s: %w", ph.Name, err)
	}
	return ref, nil
}

func (p *Pipeline) transmit(ctx context.Context, formID string, answers Answers) (string, error) {
	if p.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PhaseTimeout)
		defer cancel()
	}
	ref, err := p.Submitter.Submit(ctx, formID, answers)
	if err != nil {
		return "", fmt.Errorf("transmit: %w", err)
	}
	return ref, nil
}
