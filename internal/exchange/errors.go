package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures for retry policy. Transient errors
// are retried with backoff, Rejected errors surface to the caller during
// normal trading, Unknown errors are treated conservatively.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRejected
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ExecutionError wraps a failure from the execution venue with its retry
// classification.
type ExecutionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindTransient, Op: op, Err: err}
}

func NewRejected(op string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindRejected, Op: op, Err: err}
}

func NewUnknown(op string, err error) *ExecutionError {
	return &ExecutionError{Kind: KindUnknown, Op: op, Err: err}
}

// KindOf extracts the classification from err. Errors that are not
// ExecutionError are reported as Unknown.
func KindOf(err error) ErrorKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
