package ivm

import (
	"errors"
	"fmt"
)

var (
	// ErrPrimaryKeyEdit is raised when an edit changes the primary key of a row.
	ErrPrimaryKeyEdit = errors.New("edit changes the primary key")
	// ErrRowExists is raised when adding a row whose primary key is already present.
	ErrRowExists = errors.New("row already exists")
	// ErrRowNotFound is raised when removing or editing a row that is not present.
	ErrRowNotFound = errors.New("row not found")
	// ErrConstraintViolation is raised when an operator is asked for something its contract
	// rules out, such as a fetch with a start row outside the requested constraint.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNeedyStreamAbandoned is raised when a stream that must be fully consumed is closed
	// early.
	ErrNeedyStreamAbandoned = errors.New("stream closed before it was consumed")
	// ErrSchemaMismatch is raised when operators with incompatible schemas are combined.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrTypeMismatch is raised when comparing values of different types.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidState is raised when operator storage holds something it cannot decode.
	ErrInvalidState = errors.New("invalid operator state")
	// ErrNotWired is raised when a push reaches an operator that has no output.
	ErrNotWired = errors.New("operator has no output")
)

// InvariantError is the panic value of a broken runtime invariant. Callers that drive a
// pipeline recover it and treat the pipeline as unusable.
type InvariantError struct {
	Err    error
	Detail string
}

func newInvariantError(err error, format string, args ...any) *InvariantError {
	return &InvariantError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// AsError converts a recovered panic value into an error.
func AsError(r any) error {
	switch v := r.(type) {
	case nil:
		return nil
	case error:
		return v
	default:
		return fmt.Errorf("%v", v)
	}
}

// NewOperatorError wraps an error returned while building an operator.
func NewOperatorError(op string, err error) error {
	return fmt.Errorf("failed to create %s operator: %w", op, err)
}
