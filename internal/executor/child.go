package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/sirupsen/logrus"
)

// ChildEnv marks a process started by the Isolated executor
const ChildEnv = "QUEUE_CONSUMER_EXECUTOR_CHILD"

const (
	exitSuccess  = 0
	exitDeclined = 1
	// Statuses stay below 255 so they never look like signal deaths
	exitMax = 254
)

// ErrorCallback observes the error that made a child handler fail.
// It runs inside the child, right before the child exits.
type ErrorCallback func(error)

// IsChild reports whether this process was started by the Isolated executor
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// RunChild executes the message received on stdin and exits the process.
// It never returns. A nil callback selects DefaultErrorCallback.
func RunChild(resolver Resolver, callback ErrorCallback) {
	if callback == nil {
		callback = DefaultErrorCallback
	}
	os.Exit(runChild(context.Background(), os.Stdin, resolver, callback))
}

// runChild returns the exit status for one child execution
func runChild(ctx context.Context, in io.Reader, resolver Resolver, callback ErrorCallback) int {
	var msg message.Message
	if err := json.NewDecoder(in).Decode(&msg); err != nil {
		callback(fmt.Errorf("decode message from parent: %w", err))
		return exitStatus(err)
	}

	h, err := resolver.Resolve(msg)
	if err != nil {
		callback(err)
		return exitStatus(err)
	}

	ok, err := invoke(ctx, h, msg)
	if err != nil {
		callback(err)
		return exitStatus(err)
	}
	if !ok {
		return exitDeclined
	}
	return exitSuccess
}

// exitStatus derives a child exit status from err's code, clamped to [1, 254].
// Errors without a code, or with zero or negative codes, map to 1.
func exitStatus(err error) int {
	code := queueerr.ExitCode(err)
	switch {
	case code < 1:
		return 1
	case code > exitMax:
		return exitMax
	}
	return code
}

// DefaultErrorCallback writes the error to the process's stderr
func DefaultErrorCallback(err error) {
	logger := log.NewWithOutput(os.Stderr)
	fields := logrus.Fields{
		"type": fmt.Sprintf("%T", err),
		"code": queueerr.ExitCode(err),
	}
	if p, ok := err.(*PanicError); ok {
		fields["stack"] = string(p.Stack)
	}
	logger.ErrorWithFields(fields, "Uncaught %T(%d): %v", err, queueerr.ExitCode(err), err)
}
