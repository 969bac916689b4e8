package consumer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/queue-consumer/internal/executor"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/ibs-source/queue-consumer/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type fakeEnvelope struct {
	msg      message.Message
	attempts int
}

func (e *fakeEnvelope) Unwrap() message.Message { return e.msg }
func (e *fakeEnvelope) Attempts() int { return e.attempts }

func envelope(name string, attempts int) *fakeEnvelope {
	return &fakeEnvelope{msg: message.New(name, nil), attempts: attempts}
}

// fakeDriver hands out its envelopes in order, then reports an empty queue
type fakeDriver struct {
	mu        sync.Mutex
	envelopes []message.Envelope

	dequeueErr error
	ackErr     error
	retryErr   error
	failErr    error

	dequeues int
	acks     int
	retries  int
	fails    int
	resolved []message.Envelope
}

func (d *fakeDriver) Dequeue(ctx context.Context, _ string) (message.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dequeues++
	if d.dequeueErr != nil {
		return nil, d.dequeueErr
	}
	if len(d.envelopes) == 0 {
		return nil, ctx.Err()
	}
	env := d.envelopes[0]
	d.envelopes = d.envelopes[1:]
	return env, nil
}

func (d *fakeDriver) Ack(_ context.Context, _ string, env message.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	d.resolved = append(d.resolved, env)
	return d.ackErr
}

func (d *fakeDriver) Retry(_ context.Context, _ string, env message.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries++
	d.resolved = append(d.resolved, env)
	return d.retryErr
}

func (d *fakeDriver) Fail(_ context.Context, _ string, env message.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails++
	d.resolved = append(d.resolved, env)
	return d.failErr
}

// scripted returns an executor answering by message name
func scripted(results map[string]executor.Result) executor.Executor {
	return executor.ExecutorFunc(func(_ context.Context, msg message.Message) executor.Result {
		if r, ok := results[msg.Name]; ok {
			return r
		}
		return executor.Success()
	})
}

func newTestConsumer(t *testing.T, d Driver, exec executor.Executor, opts ...Option) (*Consumer, *test.Hook) {
	t.Helper()
	logger := log.NewWithOutput(io.Discard)
	logger.SetLevel("debug")
	hook := test.NewLocal(logger.GetLogrus())

	opts = append([]Option{
		WithLogger(logger),
		WithMeterProvider(sdkmetric.NewMeterProvider()),
	}, opts...)
	c, err := New(d, exec, opts...)
	require.NoError(t, err)
	return c, hook
}

func entriesAt(hook *test.Hook, level logrus.Level) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, *e)
		}
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, scripted(nil))
	assert.Error(t, err)

	_, err = New(&fakeDriver{}, nil)
	assert.Error(t, err)

	c, err := New(&fakeDriver{}, scripted(nil))
	require.NoError(t, err)
	assert.Equal(t, retry.Default(), c.policy)
}

func TestOnce_EmptyQueue(t *testing.T) {
	d := &fakeDriver{}
	called := false
	c, _ := newTestConsumer(t, d, executor.ExecutorFunc(func(context.Context, message.Message) executor.Result {
		called = true
		return executor.Success()
	}))

	require.NoError(t, c.Once(context.Background(), "q"))
	assert.False(t, called)
	assert.Equal(t, 1, d.dequeues)
}

func TestOnce_SuccessAcksExactlyOnce(t *testing.T) {
	env := envelope("Greet", 0)
	d := &fakeDriver{envelopes: []message.Envelope{env}}
	c, _ := newTestConsumer(t, d, scripted(nil))

	require.NoError(t, c.Once(context.Background(), "q"))

	assert.Equal(t, 1, d.acks)
	assert.Equal(t, 0, d.retries)
	assert.Equal(t, 0, d.fails)
	require.Len(t, d.resolved, 1)
	assert.Same(t, env, d.resolved[0])
}

func TestOnce_FailureConsultsPolicy(t *testing.T) {
	tests := []struct {
		name        string
		result      executor.Result
		attempts    int
		wantRetries int
		wantFails   int
		wantWrapped bool
	}{
		{"declined below limit", executor.Declined(), 0, 1, 0, false},
		{"declined at last allowed attempt", executor.Declined(), 4, 1, 0, false},
		{"declined at limit", executor.Declined(), 5, 0, 1, false},
		{"handler error below limit", executor.Failure(errors.New("boom")), 1, 1, 0, true},
		{"handler error at limit", executor.Failure(errors.New("boom")), 7, 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", tt.attempts)}}
			c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{"Greet": tt.result}))

			err := c.Once(context.Background(), "q")

			assert.Equal(t, 0, d.acks)
			assert.Equal(t, tt.wantRetries, d.retries)
			assert.Equal(t, tt.wantFails, d.fails)

			if !tt.wantWrapped {
				assert.NoError(t, err)
				return
			}
			var failed *queueerr.MessageFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, "Greet", failed.Message.Name)
			assert.Same(t, tt.result.Err, failed.Err)
		})
	}
}

func TestOnce_StopPropagatesUnchanged(t *testing.T) {
	stop := queueerr.Stop(9, "maintenance")
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Stop", 0)}}
	c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{"Stop": executor.Stop(stop)}))

	err := c.Once(context.Background(), "q")

	var got *queueerr.StopError
	require.ErrorAs(t, err, &got)
	assert.Same(t, stop, got)
	assert.Empty(t, d.resolved)
}

func TestOnce_DriverErrors(t *testing.T) {
	backend := errors.New("connection reset")

	tests := []struct {
		name   string
		driver *fakeDriver
		result executor.Result
		wantOp string
	}{
		{"dequeue", &fakeDriver{dequeueErr: backend}, executor.Success(), "dequeue"},
		{"ack", &fakeDriver{ackErr: backend}, executor.Success(), "ack"},
		{"retry", &fakeDriver{retryErr: backend}, executor.Declined(), "retry"},
		{"fail", &fakeDriver{failErr: backend}, executor.Declined(), "fail"},
		{"retry after handler error", &fakeDriver{retryErr: backend}, executor.Failure(errors.New("x")), "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			if tt.wantOp == "fail" {
				attempts = retry.DefaultMaxAttempts
			}
			tt.driver.envelopes = []message.Envelope{envelope("Greet", attempts)}
			c, _ := newTestConsumer(t, tt.driver, scripted(map[string]executor.Result{"Greet": tt.result}))

			err := c.Once(context.Background(), "q")

			var driverErr *queueerr.DriverError
			require.ErrorAs(t, err, &driverErr)
			assert.Equal(t, tt.wantOp, driverErr.Op)
			assert.ErrorIs(t, err, backend)
		})
	}
}

func TestOnce_DriverErrorNotRewrapped(t *testing.T) {
	original := queueerr.NewDriverError("xreadgroup", errors.New("LOADING"))
	c, _ := newTestConsumer(t, &fakeDriver{dequeueErr: original}, scripted(nil))

	err := c.Once(context.Background(), "q")
	assert.Same(t, original, err)
}

func TestOnce_CanceledDequeueReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &fakeDriver{dequeueErr: queueerr.NewDriverError("dequeue", context.Canceled)}
	c, _ := newTestConsumer(t, d, scripted(nil))

	err := c.Once(ctx, "q")
	assert.Equal(t, context.Canceled, err)
}

func TestOnce_ResolvesWithCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", 0)}}
	c, _ := newTestConsumer(t, d, executor.ExecutorFunc(func(context.Context, message.Message) executor.Result {
		cancel()
		return executor.Success()
	}))

	require.NoError(t, c.Once(ctx, "q"))
	assert.Equal(t, 1, d.acks)
}

func TestRun_GracefulStop(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{
		envelope("Greet", 0),
		envelope("Stop", 0),
		envelope("Greet", 0),
	}}
	c, hook := newTestConsumer(t, d, scripted(map[string]executor.Result{
		"Stop": executor.Stop(queueerr.Stop(3, "rolling restart")),
	}))

	code, err := c.Run(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, 3, c.ExitCode())
	assert.False(t, c.Running())
	assert.Equal(t, 2, d.dequeues)
	assert.Equal(t, 1, d.acks)

	warnings := entriesAt(hook, logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, 3, warnings[0].Data["code"])
}

func TestRun_AgainAfterGracefulStop(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{
		envelope("StopThree", 0),
		envelope("Greet", 0),
		envelope("StopFive", 0),
	}}
	c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{
		"StopThree": executor.Stop(queueerr.Stop(3, "first")),
		"StopFive":  executor.Stop(queueerr.Stop(5, "second")),
	}))
	ctx := context.Background()

	code, err := c.Run(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.False(t, c.Running())
	assert.Equal(t, 1, d.dequeues)

	// The exit code survives until the next graceful stop replaces it
	assert.Equal(t, 3, c.ExitCode())

	code, err = c.Run(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.Equal(t, 5, c.ExitCode())
	assert.Equal(t, 3, d.dequeues)
	assert.Equal(t, 1, d.acks)
}

func TestRun_ExitCodeKeptWhenRunEndsWithoutStop(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Stop", 0)}}
	c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{
		"Stop": executor.Stop(queueerr.Stop(7, "deploy")),
	}))

	code, err := c.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, 7, code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, err = c.Run(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRun_StopFromStartHook(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", 0)}}
	var c *Consumer
	c, _ = newTestConsumer(t, d, scripted(nil), WithStartHook(func(context.Context) error {
		c.Stop()
		return nil
	}))

	code, err := c.Run(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, d.dequeues)
	assert.False(t, c.Running())
}

func TestRun_StartHookError(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", 0)}}
	hookErr := errors.New("subscribe: not authorized")
	c, hook := newTestConsumer(t, d, scripted(nil), WithStartHook(func(context.Context) error {
		return hookErr
	}))

	_, err := c.Run(context.Background(), "q")

	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, 0, d.dequeues)
	assert.False(t, c.Running())
	assert.Len(t, entriesAt(hook, logrus.ErrorLevel), 1)
}

func TestRun_DriverErrorHalts(t *testing.T) {
	d := &fakeDriver{dequeueErr: errors.New("READONLY")}
	c, hook := newTestConsumer(t, d, scripted(nil))

	code, err := c.Run(context.Background(), "q")

	assert.True(t, queueerr.IsDriverError(err))
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, d.dequeues)
	assert.False(t, c.Running())

	errs := entriesAt(hook, logrus.ErrorLevel)
	require.Len(t, errs, 1)
	assert.Equal(t, "critical", errs[0].Data["severity"])
	assert.Equal(t, "dequeue", errs[0].Data["op"])
}

func TestRun_WrappedFailureDoesNotHalt(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{
		envelope("Broken", 0),
		envelope("Broken", 0),
		envelope("Stop", 0),
	}}
	c, hook := newTestConsumer(t, d, scripted(map[string]executor.Result{
		"Broken": executor.Failure(errors.New("nil map write")),
		"Stop":   executor.Stop(queueerr.Stop(0, "done")),
	}))

	code, err := c.Run(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 3, d.dequeues)
	assert.Equal(t, 2, d.retries)

	critical := entriesAt(hook, logrus.ErrorLevel)
	require.Len(t, critical, 2)
	for _, e := range critical {
		assert.Equal(t, "critical", e.Data["severity"])
		assert.Equal(t, "Broken", e.Data["msg"])
	}
}

func TestRun_UnknownErrorHalts(t *testing.T) {
	weird := errors.New("unexpected")
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", 0)}}
	// A stop result without a StopError falls through to a plain error
	c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{
		"Greet": {Outcome: executor.OutcomeStop, Err: weird},
	}))

	_, err := c.Run(context.Background(), "q")
	assert.Same(t, weird, err)
}

func TestRun_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDriver{}
	c, _ := newTestConsumer(t, d, scripted(nil))

	done := make(chan struct{})
	var code int
	var err error
	go func() {
		defer close(done)
		code, err = c.Run(ctx, "q")
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.False(t, c.Running())
}

func TestStop_FromAnotherGoroutine(t *testing.T) {
	d := &fakeDriver{}
	c, _ := newTestConsumer(t, d, scripted(nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background(), "q")
	}()

	require.Eventually(t, c.Running, time.Second, time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 0, c.ExitCode())
}

func TestObserverAndMetrics(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{
		envelope("Greet", 0),
		envelope("Decline", 0),
		envelope("Broken", 5),
	}}

	var events []message.Event
	reader := sdkmetric.NewManualReader()
	c, _ := newTestConsumer(t, d,
		scripted(map[string]executor.Result{
			"Decline": executor.Declined(),
			"Broken":  executor.Failure(errors.New("boom")),
		}),
		WithObserver(ObserverFunc(func(_ context.Context, e message.Event) { events = append(events, e) })),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)

	ctx := context.Background()
	require.NoError(t, c.Once(ctx, "jobs"))
	require.NoError(t, c.Once(ctx, "jobs"))
	require.Error(t, c.Once(ctx, "jobs"))

	require.Len(t, events, 3)
	assert.Equal(t, message.OutcomeAcked, events[0].Outcome)
	assert.Equal(t, message.OutcomeRetried, events[1].Outcome)
	assert.Equal(t, message.OutcomeFailed, events[2].Outcome)
	assert.Equal(t, "jobs", events[2].Queue)
	assert.Equal(t, "Broken", events[2].Name)
	assert.Equal(t, 5, events[2].Attempts)
	assert.False(t, events[0].Time.IsZero())

	got := collectCounters(t, reader)
	assert.Equal(t, int64(1), got["queue.consumer.messages.acked"])
	assert.Equal(t, int64(1), got["queue.consumer.messages.retried"])
	assert.Equal(t, int64(1), got["queue.consumer.messages.failed"])
	assert.Equal(t, int64(1), got["queue.consumer.execution.errors"])
}

func TestWithRetryPolicy(t *testing.T) {
	d := &fakeDriver{envelopes: []message.Envelope{envelope("Greet", 0)}}
	c, _ := newTestConsumer(t, d, scripted(map[string]executor.Result{"Greet": executor.Declined()}),
		WithRetryPolicy(retry.Never))

	require.NoError(t, c.Once(context.Background(), "q"))
	assert.Equal(t, 0, d.retries)
	assert.Equal(t, 1, d.fails)
}
