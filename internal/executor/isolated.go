package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/sirupsen/logrus"
)

// Isolated runs every handler invocation in a child process so a crashing or
// leaking handler cannot take the consumer down with it.
//
// The child is the harness binary (the running executable by default)
// started with ChildEnv set; its main must call RunChild before anything else.
// The message travels to the child as JSON on stdin and the outcome comes back
// as the exit status: 0 means success, anything else means failure.
//
// Nothing checks resources opened before the spawn. Handlers must acquire
// connections and files inside Handle, never at construction time.
type Isolated struct {
	resolver Resolver
	path     string
	args     []string
	env      []string
	stdout   io.Writer
	stderr   io.Writer
	log      *log.Logger
}

// IsolatedOption configures an Isolated executor
type IsolatedOption func(*Isolated)

// WithCommand overrides the harness binary and its arguments
func WithCommand(path string, args ...string) IsolatedOption {
	return func(x *Isolated) {
		x.path = path
		x.args = args
	}
}

// WithEnv appends KEY=VALUE pairs to the child environment
func WithEnv(kv ...string) IsolatedOption {
	return func(x *Isolated) {
		x.env = append(x.env, kv...)
	}
}

// WithOutput redirects the child's stdout and stderr
func WithOutput(stdout, stderr io.Writer) IsolatedOption {
	return func(x *Isolated) {
		x.stdout = stdout
		x.stderr = stderr
	}
}

// WithLogger sets the logger used for child exit diagnostics
func WithLogger(logger *log.Logger) IsolatedOption {
	return func(x *Isolated) {
		x.log = logger
	}
}

// NewIsolated creates a process-isolated executor. It fails when the host
// cannot spawn processes or the harness binary cannot be found, since falling
// back to in-process execution would break the isolation callers rely on.
func NewIsolated(resolver Resolver, opts ...IsolatedOption) (*Isolated, error) {
	if !spawnSupported(runtime.GOOS) {
		return nil, fmt.Errorf("%w: process spawning is not supported on %s", ErrUnavailable, runtime.GOOS)
	}

	x := &Isolated{
		resolver: resolver,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		log:      log.NewDiscard(),
	}
	for _, opt := range opts {
		opt(x)
	}

	if x.path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot locate own executable: %v", ErrUnavailable, err)
		}
		x.path = exe
	}

	path, err := exec.LookPath(x.path)
	if err != nil {
		return nil, fmt.Errorf("%w: harness %s: %v", ErrUnavailable, x.path, err)
	}
	x.path = path

	return x, nil
}

func spawnSupported(goos string) bool {
	switch goos {
	case "js", "wasip1", "ios":
		return false
	}
	return true
}

// Execute implements the [Executor] interface. ctx is not used to kill the
// child: a running handler is never interrupted by the consumer.
func (x *Isolated) Execute(_ context.Context, msg message.Message) Result {
	// Resolve in the parent so an unknown message fails without a spawn
	if _, err := x.resolver.Resolve(msg); err != nil {
		return Failure(err)
	}

	input, err := json.Marshal(msg)
	if err != nil {
		return Failure(fmt.Errorf("encode message for child: %w", err))
	}

	cmd := exec.Command(x.path, x.args...) // #nosec G204 - harness path comes from configuration
	cmd.Env = append(os.Environ(), ChildEnv+"=1")
	cmd.Env = append(cmd.Env, x.env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = x.stdout
	cmd.Stderr = x.stderr

	err = cmd.Run()
	if err == nil {
		return Success()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		x.log.DebugWithFields(logrus.Fields{
			"msg":    msg.Name,
			"status": exitErr.ExitCode(),
		}, "Child process for message %s exited unsuccessfully", msg.Name)
		return Declined()
	}

	return Failure(fmt.Errorf("spawn child process: %w", err))
}
