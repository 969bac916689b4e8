// Package queueerr defines the error taxonomy shared by drivers, executors and the consumer loop.
//
// Three conditions matter to the run loop:
//
//   - DriverError: the queue backend is unreliable; fatal to the loop.
//   - StopError: not a failure, a request to stop gracefully with an exit code.
//   - MessageFailedError: a handler raised an unexpected error; logged, non-fatal.
package queueerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/ibs-source/queue-consumer/internal/message"
)

// DriverError reports a backend-level failure (connectivity, corruption).
type DriverError struct {
	Op  string
	Err error
}

// NewDriverError wraps err as a failure of the named driver operation
func NewDriverError(op string, err error) *DriverError {
	return &DriverError{Op: op, Err: err}
}

func (e *DriverError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("driver error: %v", e.Err)
	}
	return fmt.Sprintf("driver error: %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// AsDriverError returns err unchanged when it already carries a DriverError,
// otherwise wraps it. nil stays nil.
func AsDriverError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DriverError
	if errors.As(err, &de) {
		return err
	}
	return NewDriverError(op, err)
}

// IsDriverError reports whether err carries a DriverError
func IsDriverError(err error) bool {
	var de *DriverError
	return errors.As(err, &de)
}

// StopError is a graceful stop request carrying a process exit code.
type StopError struct {
	Code   int
	Reason string
}

// Stop builds a graceful stop request. Handlers return it to shut the consumer down.
func Stop(code int, reason string) *StopError {
	return &StopError{Code: code, Reason: reason}
}

func (e *StopError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stop requested (code %d)", e.Code)
	}
	return fmt.Sprintf("stop requested (code %d): %s", e.Code, e.Reason)
}

// ExitCode implements the exit-code convention used by the isolated executor
func (e *StopError) ExitCode() int { return e.Code }

// AsStop extracts a StopError from err
func AsStop(err error) (*StopError, bool) {
	var se *StopError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsStop reports whether err carries a graceful stop request
func IsStop(err error) bool {
	_, ok := AsStop(err)
	return ok
}

// MessageFailedError wraps an unexpected handler error together with the message that caused it.
type MessageFailedError struct {
	Err     error
	Message message.Message
}

// MessageFailed wraps err for msg
func MessageFailed(err error, msg message.Message) *MessageFailedError {
	return &MessageFailedError{Err: err, Message: msg}
}

func (e *MessageFailedError) Error() string {
	return fmt.Sprintf("message %s failed: %v", e.Message.Name, e.Err)
}

func (e *MessageFailedError) Unwrap() error { return e.Err }

// ExitCoder is implemented by errors that carry a numeric code
type ExitCoder interface {
	ExitCode() int
}

// ExitCode returns the code carried by err, or 0 if none
func ExitCode(err error) int {
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 0
}

// IsCanceled reports whether err stems from context cancellation or deadline
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
