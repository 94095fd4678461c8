package gate

import (
	"errors"
	"fmt"
	"strings"
)

// Halt kinds. Every halt carries exactly one of these as its Kind, so callers
// match with errors.Is.
var (
	ErrEvidenceConflict        = errors.New("evidence conflict")
	ErrBlockerUnresolved       = errors.New("blocker unresolved")
	ErrDecompositionInfeasible = errors.New("decomposition infeasible")
	ErrValidationViolation     = errors.New("validation violation")
	ErrNoProgress              = errors.New("no progress")
	ErrWriteFailed             = errors.New("artifact write failed")
	ErrCancelled               = errors.New("cancelled")

	// ErrInvalidTransition is returned for transitions the machine does not allow.
	ErrInvalidTransition = errors.New("invalid gate transition")
)

// Reason is the label carried by the Halted state.
type Reason string

const (
	ReasonBlockersOpen            Reason = "blockers-open"
	ReasonNoProgress              Reason = "no-progress"
	ReasonEvidenceConflict        Reason = "evidence-conflict"
	ReasonDecompositionInfeasible Reason = "decomposition-infeasible"
	ReasonValidationUnresolvable  Reason = "validation-unresolvable"
	ReasonWriteFailed             Reason = "write-failed"
	ReasonCancelled               Reason = "cancelled"
)

var reasons = map[error]Reason{
	ErrEvidenceConflict:        ReasonEvidenceConflict,
	ErrBlockerUnresolved:       ReasonBlockersOpen,
	ErrDecompositionInfeasible: ReasonDecompositionInfeasible,
	ErrValidationViolation:     ReasonValidationUnresolvable,
	ErrNoProgress:              ReasonNoProgress,
	ErrWriteFailed:             ReasonWriteFailed,
	ErrCancelled:               ReasonCancelled,
}

// HaltError describes why the run stopped. Details name the evidence items,
// questions, bundles or contracts involved.
type HaltError struct {
	Kind    error
	Reason  Reason
	Details []string
	Cause   error
}

// NewHaltError builds a HaltError for kind.
func NewHaltError(kind error, cause error, details ...string) *HaltError {
	return &HaltError{Kind: kind, Reason: reasons[kind], Details: details, Cause: cause}
}

func (e *HaltError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "halted (%s): %s", e.Reason, e.Kind)
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Details, "; "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *HaltError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// AsHalt extracts a HaltError from err.
func AsHalt(err error) (*HaltError, bool) {
	var h *HaltError
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}
