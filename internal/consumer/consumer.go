// Package consumer pulls envelopes from a queue driver one at a time, runs them
// through an executor and resolves the outcome against the driver.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ibs-source/queue-consumer/internal/executor"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/ibs-source/queue-consumer/internal/retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Driver is the queue backend seen by the consumer.
//
// Dequeue returns a nil envelope when nothing is available; it is expected to
// wait internally (block or poll) before doing so. Backend failures should be
// reported as *queueerr.DriverError; anything else is wrapped into one.
type Driver interface {
	Dequeue(ctx context.Context, queue string) (message.Envelope, error)
	Ack(ctx context.Context, queue string, env message.Envelope) error
	Retry(ctx context.Context, queue string, env message.Envelope) error
	Fail(ctx context.Context, queue string, env message.Envelope) error
}

// Observer is notified after an envelope has been resolved against the driver
type Observer interface {
	Observe(ctx context.Context, event message.Event)
}

// ObserverFunc is an adapter to allow the use of ordinary functions as [Observer]s.
type ObserverFunc func(context.Context, message.Event)

// Observe implements the [Observer] interface.
func (f ObserverFunc) Observe(ctx context.Context, event message.Event) {
	f(ctx, event)
}

// Consumer runs the dequeue, execute, resolve loop for a single queue.
// It handles one envelope at a time; Stop may be called from any goroutine.
type Consumer struct {
	driver   Driver
	executor executor.Executor
	policy   retry.Policy
	log      *log.Logger
	observer Observer
	meters   metric.MeterProvider
	metrics  *metricsRecorder
	onStart  func(ctx context.Context) error

	running  atomic.Bool
	exitCode atomic.Int64
}

// Option configures a Consumer
type Option func(*Consumer)

// WithRetryPolicy replaces the default retry.Limited policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Consumer) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithLogger sets the diagnostic sink; the default discards everything
func WithLogger(logger *log.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithObserver registers an observer for resolved envelopes
func WithObserver(o Observer) Option {
	return func(c *Consumer) {
		c.observer = o
	}
}

// WithMeterProvider sets the OTel meter provider; the default is the global one
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Consumer) {
		if mp != nil {
			c.meters = mp
		}
	}
}

// WithStartHook runs hook each time Run becomes active, before the first
// cycle. A Stop issued by the hook is honoured and a hook error ends Run.
// Stop requests from other goroutines are only seen once Run is active.
func WithStartHook(hook func(ctx context.Context) error) Option {
	return func(c *Consumer) {
		c.onStart = hook
	}
}

// New creates a consumer over driver and exec
func New(driver Driver, exec executor.Executor, opts ...Option) (*Consumer, error) {
	if driver == nil {
		return nil, errors.New("consumer: driver is required")
	}
	if exec == nil {
		return nil, errors.New("consumer: executor is required")
	}

	c := &Consumer{
		driver:   driver,
		executor: exec,
		policy:   retry.Default(),
		log:      log.NewDiscard(),
		meters:   otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}

	m, err := newMetricsRecorder(c.meters)
	if err != nil {
		return nil, fmt.Errorf("consumer: create metrics: %w", err)
	}
	c.metrics = m

	return c, nil
}

// Run processes envelopes from queue until Stop is called, a handler requests
// a graceful stop, ctx is canceled, or a non-recoverable error occurs.
// It returns the exit code carried by the last graceful stop (0 by default)
// and the error that terminated the loop, if any.
func (c *Consumer) Run(ctx context.Context, queue string) (int, error) {
	c.running.Store(true)
	c.log.InfoWithFields(logrus.Fields{"queue": queue}, "Consumer started on queue %s", queue)

	if c.onStart != nil {
		if err := c.onStart(ctx); err != nil {
			c.running.Store(false)
			c.log.Error("Consumer start hook failed on queue %s: %v", queue, err)
			return c.ExitCode(), err
		}
	}

	for c.running.Load() {
		if ctx.Err() != nil {
			c.log.Info("Context done, stopping consumer on queue %s", queue)
			c.Stop()
			break
		}
		if err := c.safeOnce(ctx, queue); err != nil {
			c.running.Store(false)
			return c.ExitCode(), err
		}
	}

	c.log.InfoWithFields(logrus.Fields{"queue": queue, "code": c.ExitCode()}, "Consumer stopped on queue %s", queue)
	return c.ExitCode(), nil
}

// Stop asks the loop to exit after the current cycle
func (c *Consumer) Stop() {
	c.running.Store(false)
}

// Running reports whether the loop is active
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// ExitCode returns the code set by the last graceful stop
func (c *Consumer) ExitCode() int {
	return int(c.exitCode.Load())
}

// safeOnce runs one cycle and classifies its error: per-message failures
// and graceful stops are absorbed, driver errors and unknown errors end Run.
func (c *Consumer) safeOnce(ctx context.Context, queue string) error {
	err := c.Once(ctx, queue)
	if err == nil {
		return nil
	}

	var failed *queueerr.MessageFailedError
	if errors.As(err, &failed) {
		c.log.CriticalWithFields(logrus.Fields{
			"queue": queue,
			"msg":   failed.Message.Name,
			"error": failed.Err,
		}, "Message %s failed: %v", failed.Message.Name, failed.Err)
		return nil
	}

	if stop, ok := queueerr.AsStop(err); ok {
		c.log.WarnWithFields(logrus.Fields{
			"queue":  queue,
			"code":   stop.Code,
			"reason": stop.Reason,
		}, "Graceful stop requested: %v", stop)
		c.Stop()
		c.exitCode.Store(int64(stop.Code))
		return nil
	}

	var driverErr *queueerr.DriverError
	if errors.As(err, &driverErr) {
		c.log.CriticalWithFields(logrus.Fields{
			"queue": queue,
			"op":    driverErr.Op,
		}, "Queue driver failure: %v", driverErr)
		return err
	}

	if ctx.Err() != nil && queueerr.IsCanceled(err) {
		c.log.Info("Consumer interrupted on queue %s: %v", queue, err)
		c.Stop()
		return nil
	}

	return err
}

// Once runs exactly one dequeue, execute, resolve cycle. A graceful stop
// surfaces as *queueerr.StopError, an unexpected handler error as
// *queueerr.MessageFailedError after the envelope has been retried or failed,
// and backend failures as *queueerr.DriverError.
func (c *Consumer) Once(ctx context.Context, queue string) error {
	env, err := c.driver.Dequeue(ctx, queue)
	if err != nil {
		if ctx.Err() != nil && queueerr.IsCanceled(err) {
			return ctx.Err()
		}
		return queueerr.AsDriverError("dequeue", err)
	}
	if env == nil {
		return nil
	}

	msg := env.Unwrap()
	fields := logrus.Fields{"queue": queue, "msg": msg.Name, "attempts": env.Attempts()}
	c.log.DebugWithFields(fields, "Processing message %s", msg.Name)

	result := c.executor.Execute(ctx, msg)
	c.log.DebugWithFields(fields, "Finished message %s: %s", msg.Name, result.Outcome)

	// An envelope that reached the handler is resolved even if ctx is done
	rctx := context.WithoutCancel(ctx)

	switch result.Outcome {
	case executor.OutcomeStop:
		if stop, ok := result.StopError(); ok {
			return stop
		}
		return result.Err
	case executor.OutcomeSuccess:
		if err := c.driver.Ack(rctx, queue, env); err != nil {
			return queueerr.AsDriverError("ack", err)
		}
		c.resolved(rctx, queue, env, message.OutcomeAcked)
		return nil
	case executor.OutcomeHandlerError:
		c.metrics.recordExecutionError(rctx, queue, msg)
		if err := c.failed(rctx, queue, env); err != nil {
			return err
		}
		return queueerr.MessageFailed(result.Err, msg)
	default:
		return c.failed(rctx, queue, env)
	}
}

// failed retries env when the policy allows it, otherwise fails it permanently
func (c *Consumer) failed(ctx context.Context, queue string, env message.Envelope) error {
	if c.policy.CanRetry(env) {
		if err := c.driver.Retry(ctx, queue, env); err != nil {
			return queueerr.AsDriverError("retry", err)
		}
		c.resolved(ctx, queue, env, message.OutcomeRetried)
		return nil
	}

	if err := c.driver.Fail(ctx, queue, env); err != nil {
		return queueerr.AsDriverError("fail", err)
	}
	c.resolved(ctx, queue, env, message.OutcomeFailed)
	return nil
}

func (c *Consumer) resolved(ctx context.Context, queue string, env message.Envelope, outcome message.Outcome) {
	msg := env.Unwrap()
	c.log.DebugWithFields(logrus.Fields{
		"queue":    queue,
		"msg":      msg.Name,
		"attempts": env.Attempts(),
		"outcome":  outcome,
	}, "Message %s %s", msg.Name, outcome)

	c.metrics.recordOutcome(ctx, queue, msg, outcome)

	if c.observer != nil {
		c.observer.Observe(ctx, message.Event{
			Queue:    queue,
			Name:     msg.Name,
			Outcome:  outcome,
			Attempts: env.Attempts(),
			Time:     time.Now().UTC(),
		})
	}
}
