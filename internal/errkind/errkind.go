// Package errkind is the typed error-kind hierarchy every component
// returns instead of ad-hoc errors, and that the HTTP layer maps to a
// status code without ever having to pattern-match on message text.
// Shaped after the teacher's internal/llm/errors.go: one interface,
// one embeddable base, one concrete type per kind.
package errkind

import (
	"fmt"
	"net/http"
)

// Error is the interface every kind implements, letting callers branch
// on behavior (StatusCode, Benign) instead of concrete type.
type Error interface {
	error
	StatusCode() int
	// Benign reports whether this error should be swallowed and logged
	// rather than surfaced to the caller (BenignRace).
	Benign() bool
}

type base struct {
	status  int
	benign  bool
	message string
}

func (e *base) Error() string    { return e.message }
func (e *base) StatusCode() int  { return e.status }
func (e *base) Benign() bool     { return e.benign }

// NotFound — missing template, state, run. HTTP 404, no side effects.
type NotFound struct{ base }

func NewNotFound(format string, args ...any) *NotFound {
	return &NotFound{base{status: http.StatusNotFound, message: fmt.Sprintf(format, args...)}}
}

// Precondition — status-machine violation, invalid store keys at
// trigger, template not VALID. HTTP 400, no side effects.
type Precondition struct{ base }

func NewPrecondition(format string, args ...any) *Precondition {
	return &Precondition{base{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}}
}

// Unauthorized — bad/absent API key. HTTP 401.
type Unauthorized struct{ base }

func NewUnauthorized(message string) *Unauthorized {
	return &Unauthorized{base{status: http.StatusUnauthorized, message: message}}
}

// ValidationFailure — graph-template validator result. Not raised as
// an HTTP error on upsert (upsert itself always succeeds); this type
// exists so callers that do want to reject eagerly (e.g. trigger,
// which requires VALID) have a typed value to return.
type ValidationFailure struct {
	base
	Errors []string
}

func NewValidationFailure(errs []string) *ValidationFailure {
	return &ValidationFailure{
		base:   base{status: http.StatusBadRequest, message: "graph template is not valid"},
		Errors: errs,
	}
}

// WorkerError — captured via errored(); triggers retry-policy
// evaluation. Not an HTTP status on its own (it is always accepted by
// the errored handler); kept as a typed value for logging parity with
// the other kinds.
type WorkerError struct{ base }

func NewWorkerError(message string) *WorkerError {
	return &WorkerError{base{status: http.StatusOK, message: message}}
}

// SuccessorMaterializationError — §4.5 raises; the executed state is
// advanced to NEXT_CREATED_ERROR with the error text. Terminal for
// that state, does not cascade, no HTTP surface of its own.
type SuccessorMaterializationError struct{ base }

func NewSuccessorMaterializationError(format string, args ...any) *SuccessorMaterializationError {
	return &SuccessorMaterializationError{base{status: http.StatusInternalServerError, message: fmt.Sprintf(format, args...)}}
}

// BenignRace — duplicate-key on retry-sibling insert or fan-in
// fingerprint insert. Swallowed and logged, never surfaced.
type BenignRace struct{ base }

func NewBenignRace(format string, args ...any) *BenignRace {
	return &BenignRace{base{status: http.StatusOK, benign: true, message: fmt.Sprintf(format, args...)}}
}

// Unexpected — everything else. Captured by the outermost middleware,
// responded as HTTP 500 with a generic message; the original message
// is logged, never sent to the caller.
type Unexpected struct{ base }

func NewUnexpected(err error) *Unexpected {
	msg := "unexpected error"
	if err != nil {
		msg = err.Error()
	}
	return &Unexpected{base{status: http.StatusInternalServerError, message: msg}}
}

// StatusOf extracts an HTTP status code from err, defaulting to 500
// for anything not implementing Error — the outermost middleware must
// never itself throw into the network layer.
func StatusOf(err error) int {
	if e, ok := err.(Error); ok {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
