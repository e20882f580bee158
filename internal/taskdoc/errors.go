package taskdoc

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for document operations.
var (
	ErrInvalidDocument  = errors.New("invalid task document")
	ErrStaleSpan        = errors.New("step span does not match document text")
	ErrOverlappingSpans = errors.New("step spans overlap")
	ErrBadEdit          = errors.New("edit outside document bounds")
)

// ValidationError carries the itemized violations found by Validate.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task document: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDocument
}

// Err returns a *ValidationError when the result is not valid, nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}
