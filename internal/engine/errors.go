package engine

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is rejected synchronously and
// never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure that may succeed on retry (timeouts, 5xx,
// throttling).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a failure that will not succeed on retry: an exhausted
// retry budget or a hard rejection. It requires operator action.
type TerminalError struct {
	Op  string
	Err error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TerminalError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTerminal reports whether err is a TerminalError.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}
