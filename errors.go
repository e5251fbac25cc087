package eolstation

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrCycleInProgress   = errors.New("cycle already in progress")

	ErrSKUNotInMode    = errors.New("identifier not known in selected api mode")
	ErrSKUWrongFamily  = errors.New("sku belongs to another family")
	ErrSKUUnknown      = errors.New("sku not mapped in any family")
	ErrStepListMissing = errors.New("step list not available")
	ErrUnknownStep     = errors.New("no executable bound for step")

	ErrStepTimeout        = errors.New("step timed out")
	ErrStepExecution      = errors.New("step execution failed")
	ErrStepClassification = errors.New("step output did not match expected shape")
	ErrStepRejected       = errors.New("step verdict is fail")
)

// ValidationError rejects an identifier before any cycle starts.
type ValidationError struct {
	Identifier string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("identifier %q: %s", e.Identifier, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidIdentifier }

// ResolutionError means the family/SKU lookup failed and no cycle was started.
type ResolutionError struct {
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s: %v", e.Identifier, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Reason names why a single attempt failed.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonTimeout        Reason = "timeout"
	ReasonExecution      Reason = "execution"
	ReasonClassification Reason = "classification"
	ReasonRejected       Reason = "rejected"
	ReasonCancelled      Reason = "cancelled"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonTimeout:
		return ErrStepTimeout
	case ReasonExecution, ReasonCancelled:
		return ErrStepExecution
	case ReasonClassification:
		return ErrStepClassification
	default:
		return ErrStepRejected
	}
}

// AttemptError describes one failed attempt of a step. All reasons are retryable
// within the step's attempt budget.
type AttemptError struct {
	Step    string
	Attempt int
	Reason  Reason
	Err     error
}

func (e *AttemptError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s attempt %d: %s", e.Step, e.Attempt, e.Reason.sentinel())
	}
	return fmt.Sprintf("%s attempt %d: %v", e.Step, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.sentinel()}
	}
	return []error{e.Reason.sentinel(), e.Err}
}

// PermanentStepFailure is returned once a step exhausts its attempt budget.
type PermanentStepFailure struct {
	Step     string
	Attempts int
	Last     *AttemptError
}

func (e *PermanentStepFailure) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Step, e.Attempts, e.Last)
}

func (e *PermanentStepFailure) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// ReportingError aggregates failures of the cycle record sinks. It is only ever
// surfaced as a warning.
type ReportingError struct {
	Err error
}

func (e *ReportingError) Error() string {
	msgs := make([]string, 0, 2)
	for _, err := range multierr.Errors(e.Err) {
		msgs = append(msgs, err.Error())
	}
	return "reporting: " + strings.Join(msgs, "; ")
}

func (e *ReportingError) Unwrap() []error { return multierr.Errors(e.Err) }
