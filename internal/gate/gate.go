// Package gate is the phase state machine that decides when a run may plan,
// decompose, validate and finally write. No artifact is written outside the
// emit function passed to Finalize.
package gate

import (
	"fmt"
	"sync"

	"github.com/mark3labs/bundlr/internal/gaps"
	"github.com/mark3labs/bundlr/internal/logger"
)

var log = logger.Named("gate")

// State is a gate phase.
type State string

const (
	Investigating   State = "Investigating"
	AwaitingAnswers State = "AwaitingAnswers"
	Planning        State = "Planning"
	Decomposing     State = "Decomposing"
	Validating      State = "Validating"
	Finalized       State = "Finalized"
	Halted          State = "Halted"
)

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s State) bool {
	return s == Finalized || s == Halted
}

func isAllowedTransition(from, to State) bool {
	if to == Halted {
		return !IsTerminal(from)
	}
	switch from {
	case Investigating:
		return to == AwaitingAnswers
	case AwaitingAnswers:
		return to == AwaitingAnswers || to == Planning
	case Planning:
		return to == Decomposing
	case Decomposing:
		return to == Validating
	case Validating:
		return to == Finalized || to == Decomposing
	default:
		return false
	}
}

const (
	DefaultMaxRetries    = 3
	DefaultMaxIdleRounds = 2
)

// Option configures a Gate.
type Option func(*Gate)

// WithMaxRetries bounds the Validating -> Decomposing feedback loop.
func WithMaxRetries(n int) Option {
	return func(g *Gate) { g.maxRetries = n }
}

// WithMaxIdleRounds bounds consecutive interview rounds without new answers.
func WithMaxIdleRounds(n int) Option {
	return func(g *Gate) { g.maxIdle = n }
}

// WithIdleRounds resumes a run whose history already ends in n rounds
// without new answers.
func WithIdleRounds(n int) Option {
	return func(g *Gate) { g.idle = n }
}

// Gate serializes every phase change behind one lock.
type Gate struct {
	mu         sync.Mutex
	state      State
	halt       *HaltError
	history    []State
	maxRetries int
	maxIdle    int
	retries    int
	idle       int
	approved   bool
}

// New returns a gate in Investigating.
func New(opts ...Option) *Gate {
	g := &Gate{
		state:      Investigating,
		history:    []State{Investigating},
		maxRetries: DefaultMaxRetries,
		maxIdle:    DefaultMaxIdleRounds,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current phase.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Halt returns the halt cause, or nil when the gate has not halted.
func (g *Gate) Halt() *HaltError {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halt
}

// History returns every state entered, in order.
func (g *Gate) History() []State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]State(nil), g.history...)
}

// Retries returns how many validation feedback loops have run.
func (g *Gate) Retries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retries
}

func (g *Gate) transition(to State) error {
	from := g.state
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	g.state = to
	g.history = append(g.history, to)
	log.Info("Gate %s -> %s", from, to)
	return nil
}

func (g *Gate) expect(s State) error {
	if g.state != s {
		return fmt.Errorf("%w: expected %s, gate is %s", ErrInvalidTransition, s, g.state)
	}
	return nil
}

// haltLocked enters Halted. The returned error is the HaltError itself.
func (g *Gate) haltLocked(h *HaltError) error {
	if err := g.transition(Halted); err != nil {
		return err
	}
	g.halt = h
	log.Warn("Gate halted: %v", h)
	return h
}

// Fail halts the gate with kind from any non-terminal state.
func (g *Gate) Fail(kind error, cause error, details ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltLocked(NewHaltError(kind, cause, details...))
}

// Cancel halts a run that has not finalized.
func (g *Gate) Cancel(cause error) error {
	return g.Fail(ErrCancelled, cause)
}

// BeginInterview moves Investigating -> AwaitingAnswers once the gap tracker
// has run at least once over the ingested evidence.
func (g *Gate) BeginInterview(tracker *gaps.Tracker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(Investigating); err != nil {
		return err
	}
	if tracker == nil || tracker.Runs() == 0 {
		return fmt.Errorf("%w: gap tracker has not run", ErrInvalidTransition)
	}
	return g.transition(AwaitingAnswers)
}

// RecordRound re-enters AwaitingAnswers after a round of answers. accepted is
// the number of answers the round recorded; rounds with none count toward the
// idle limit, and reaching it halts with no-progress.
func (g *Gate) RecordRound(accepted int, pending []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(AwaitingAnswers); err != nil {
		return err
	}
	if accepted > 0 {
		g.idle = 0
	} else {
		g.idle++
	}
	if g.maxIdle > 0 && g.idle >= g.maxIdle {
		return g.haltLocked(NewHaltError(ErrNoProgress,
			fmt.Errorf("%d consecutive rounds without new answers", g.idle), pending...))
	}
	return g.transition(AwaitingAnswers)
}

// AdmitPlanning applies the blocker gate. With blockers open it returns a
// HaltError of kind ErrBlockerUnresolved; the gate itself halts only when
// moreInput is false, otherwise it stays in AwaitingAnswers.
func (g *Gate) AdmitPlanning(report gaps.Report, moreInput bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(AwaitingAnswers); err != nil {
		return err
	}
	open := report.OpenBlockers()
	if len(open) > 0 {
		details := make([]string, 0, len(open))
		for _, b := range open {
			details = append(details, b.ID)
		}
		h := NewHaltError(ErrBlockerUnresolved, nil, details...)
		if moreInput {
			log.Info("Planning refused: %d blockers open", len(open))
			return h
		}
		return g.haltLocked(h)
	}
	return g.transition(Planning)
}

// BeginDecomposing moves Planning -> Decomposing. untraced lists evidence
// references in the plan that resolve to no item; any halts the run.
func (g *Gate) BeginDecomposing(untraced []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(Planning); err != nil {
		return err
	}
	if len(untraced) > 0 {
		return g.haltLocked(NewHaltError(ErrEvidenceConflict,
			fmt.Errorf("plan cites evidence that was never recorded"), untraced...))
	}
	return g.transition(Decomposing)
}

// SubmitCandidate moves Decomposing -> Validating. infeasible names units the
// decomposer could not bring under budget; any halts the run.
func (g *Gate) SubmitCandidate(infeasible []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(Decomposing); err != nil {
		return err
	}
	if len(infeasible) > 0 {
		return g.haltLocked(NewHaltError(ErrDecompositionInfeasible, nil, infeasible...))
	}
	g.approved = false
	return g.transition(Validating)
}

// Review records the validator's verdict. With no violations the candidate is
// approved for Finalize. Otherwise the gate loops back to Decomposing and
// returns retry=true, or halts once the retry bound is spent.
func (g *Gate) Review(violations []string) (retry bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(Validating); err != nil {
		return false, err
	}
	if len(violations) == 0 {
		g.approved = true
		return false, nil
	}
	if g.retries >= g.maxRetries {
		return false, g.haltLocked(NewHaltError(ErrValidationViolation,
			fmt.Errorf("%d violations remain after %d retries", len(violations), g.retries), violations...))
	}
	g.retries++
	log.Info("Validation retry %d/%d with %d violations", g.retries, g.maxRetries, len(violations))
	return true, g.transition(Decomposing)
}

// Finalize enters Finalized and runs emit under the gate lock. It is the only
// point at which artifacts are written. If emit fails the gate halts with
// write-failed.
func (g *Gate) Finalize(emit func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.expect(Validating); err != nil {
		return err
	}
	if !g.approved {
		return fmt.Errorf("%w: candidate has not passed validation", ErrInvalidTransition)
	}
	if err := emit(); err != nil {
		return g.haltLocked(NewHaltError(ErrWriteFailed, err))
	}
	return g.transition(Finalized)
}
