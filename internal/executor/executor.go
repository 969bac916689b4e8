// Package executor resolves a handler for a message and runs it, either in
// process or in an isolated child process, reporting a tagged Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
)

var (
	// ErrNoHandler is returned by resolvers that know no handler for a message
	ErrNoHandler = errors.New("no handler for message")
	// ErrUnavailable is returned when an executor cannot work on this host
	ErrUnavailable = errors.New("executor unavailable")
)

// Outcome tags the variant held by a Result
type Outcome int

const (
	// OutcomeSuccess means the handler completed and the message should be acknowledged.
	OutcomeSuccess Outcome = iota
	// OutcomeDeclined means the handler completed but reported failure.
	OutcomeDeclined
	// OutcomeHandlerError means the handler raised an unexpected error.
	OutcomeHandlerError
	// OutcomeStop means the handler asked the consumer to stop gracefully.
	OutcomeStop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeclined:
		return "declined"
	case OutcomeHandlerError:
		return "handler_error"
	case OutcomeStop:
		return "stop"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of one execution. Err is set for OutcomeHandlerError
// and holds the *queueerr.StopError for OutcomeStop.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success builds a successful Result
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Declined builds a declined Result
func Declined() Result { return Result{Outcome: OutcomeDeclined} }

// Failure builds a handler-error Result
func Failure(err error) Result { return Result{Outcome: OutcomeHandlerError, Err: err} }

// Stop builds a graceful-stop Result
func Stop(se *queueerr.StopError) Result { return Result{Outcome: OutcomeStop, Err: se} }

// StopError returns the stop request carried by an OutcomeStop result
func (r Result) StopError() (*queueerr.StopError, bool) {
	if r.Outcome != OutcomeStop {
		return nil, false
	}
	return queueerr.AsStop(r.Err)
}

// Executor runs a message through its handler
type Executor interface {
	Execute(ctx context.Context, msg message.Message) Result
}

// ExecutorFunc is an adapter to allow the use of ordinary functions as [Executor]s.
type ExecutorFunc func(context.Context, message.Message) Result

// Execute implements the [Executor] interface.
func (f ExecutorFunc) Execute(ctx context.Context, msg message.Message) Result {
	return f(ctx, msg)
}

// Handler implements the business logic for one message.
//
// Returning (true, nil) acknowledges the message, (false, nil) declines it.
// A *queueerr.StopError requests a graceful consumer stop; any other error is
// treated as an unexpected failure.
type Handler interface {
	Handle(ctx context.Context, msg message.Message) (bool, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as [Handler]s.
type HandlerFunc func(context.Context, message.Message) (bool, error)

// Handle implements the [Handler] interface.
func (f HandlerFunc) Handle(ctx context.Context, msg message.Message) (bool, error) {
	return f(ctx, msg)
}

// Resolver finds the handler for a message
type Resolver interface {
	Resolve(msg message.Message) (Handler, error)
}

// MapResolver dispatches on the message name
type MapResolver map[string]Handler

// Resolve implements the [Resolver] interface.
func (m MapResolver) Resolve(msg message.Message) (Handler, error) {
	h, ok := m[msg.Name]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, msg.Name)
	}
	return h, nil
}

// SingleResolver hands every message to the same handler
type SingleResolver struct {
	Handler Handler
}

// Resolve implements the [Resolver] interface.
func (s SingleResolver) Resolve(msg message.Message) (Handler, error) {
	if s.Handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, msg.Name)
	}
	return s.Handler, nil
}

// PanicError carries a recovered handler panic
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.Value)
}

// invoke calls the handler, converting a panic into a PanicError
func invoke(ctx context.Context, h Handler, msg message.Message) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Handle(ctx, msg)
}

// resultOf maps a handler return pair onto a Result
func resultOf(ok bool, err error) Result {
	if err != nil {
		if se, isStop := queueerr.AsStop(err); isStop {
			return Stop(se)
		}
		return Failure(err)
	}
	if ok {
		return Success()
	}
	return Declined()
}
