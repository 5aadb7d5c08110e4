// Package errs defines the typed error kinds shared across the density
// pipeline, so callers can branch on cause rather than on error strings.
package errs

import "fmt"

// Kind identifies the category of a pipeline error.
type Kind string

const (
	// InvalidInput marks a missing required column, negative dimension, or
	// unparseable timestamp in an input table.
	InvalidInput Kind = "InvalidInput"
	// BadRulebookBinding marks an unresolvable schema or unsupported
	// rulebook version.
	BadRulebookBinding Kind = "BadRulebookBinding"
	// InvalidSegment marks a segment with length_m <= 0 or width_m <= 0.
	InvalidSegment Kind = "InvalidSegment"
	// EmptyOccupancy marks a run that completed with zero occupied bins.
	EmptyOccupancy Kind = "EmptyOccupancy"
	// BudgetExceeded marks a run where coarsening exhausted its strategy
	// steps before meeting the time/feature budget.
	BudgetExceeded Kind = "BudgetExceeded"
	// DatasetTooLarge marks a serialized artifact that would exceed the
	// gzipped size or feature-count ceiling.
	DatasetTooLarge Kind = "DatasetTooLarge"
	// IoFailure marks an unrecoverable filesystem or object-store error.
	IoFailure Kind = "IoFailure"
)

// Error is the pipeline's single error type. Every error raised by the
// core carries a stable Kind, a human message, and optional structured
// fields (e.g. BudgetExceeded carries the final bin_size_km/dt_seconds).
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no wrapped cause.
func New(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Wrap creates an *Error that wraps an underlying cause.
func Wrap(kind Kind, cause error, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Cause: cause}
}

// WithField attaches a structured field and returns the same *Error for
// chaining, e.g. errs.New(...).WithField("bin_size_km", 0.2).
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Is supports errors.Is comparisons against a bare Kind-tagged sentinel,
// e.g. errors.Is(err, &Error{Kind: InvalidSegment}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}
