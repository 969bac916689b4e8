package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeDeclined, "declined"},
		{OutcomeHandlerError, "handler_error"},
		{OutcomeStop, "stop"},
		{Outcome(42), "outcome(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.String())
		})
	}
}

func TestResultStopError(t *testing.T) {
	se := queueerr.Stop(4, "drain")
	r := Stop(se)

	got, ok := r.StopError()
	require.True(t, ok)
	assert.Same(t, se, got)

	_, ok = Failure(errors.New("x")).StopError()
	assert.False(t, ok)
}

func TestMapResolver(t *testing.T) {
	greet := HandlerFunc(func(context.Context, message.Message) (bool, error) { return true, nil })
	r := MapResolver{"Greet": greet, "Broken": nil}

	h, err := r.Resolve(message.New("Greet", nil))
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Resolve(message.New("Unknown", nil))
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = r.Resolve(message.New("Broken", nil))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestSingleResolver(t *testing.T) {
	h := HandlerFunc(func(context.Context, message.Message) (bool, error) { return true, nil })

	got, err := SingleResolver{Handler: h}.Resolve(message.New("Anything", nil))
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = SingleResolver{}.Resolve(message.New("Anything", nil))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDirect_Execute(t *testing.T) {
	handlerErr := errors.New("database unreachable")
	stop := queueerr.Stop(2, "shutdown")

	resolver := MapResolver{
		"ok":      HandlerFunc(func(context.Context, message.Message) (bool, error) { return true, nil }),
		"decline": HandlerFunc(func(context.Context, message.Message) (bool, error) { return false, nil }),
		"error":   HandlerFunc(func(context.Context, message.Message) (bool, error) { return true, handlerErr }),
		"stop":    HandlerFunc(func(context.Context, message.Message) (bool, error) { return false, stop }),
		"panic":   HandlerFunc(func(context.Context, message.Message) (bool, error) { panic("kaboom") }),
	}
	exec := NewDirect(resolver)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		assert.Equal(t, OutcomeSuccess, exec.Execute(ctx, message.New("ok", nil)).Outcome)
	})

	t.Run("declined", func(t *testing.T) {
		assert.Equal(t, OutcomeDeclined, exec.Execute(ctx, message.New("decline", nil)).Outcome)
	})

	t.Run("handler error wins over boolean", func(t *testing.T) {
		r := exec.Execute(ctx, message.New("error", nil))
		assert.Equal(t, OutcomeHandlerError, r.Outcome)
		assert.ErrorIs(t, r.Err, handlerErr)
	})

	t.Run("stop is passed through unchanged", func(t *testing.T) {
		r := exec.Execute(ctx, message.New("stop", nil))
		assert.Equal(t, OutcomeStop, r.Outcome)
		got, ok := r.StopError()
		require.True(t, ok)
		assert.Same(t, stop, got)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		r := exec.Execute(ctx, message.New("panic", nil))
		assert.Equal(t, OutcomeHandlerError, r.Outcome)
		var pe *PanicError
		require.ErrorAs(t, r.Err, &pe)
		assert.Equal(t, "kaboom", pe.Value)
		assert.NotEmpty(t, pe.Stack)
	})

	t.Run("unresolvable message", func(t *testing.T) {
		r := exec.Execute(ctx, message.New("missing", nil))
		assert.Equal(t, OutcomeHandlerError, r.Outcome)
		assert.ErrorIs(t, r.Err, ErrNoHandler)
	})
}

func TestDirect_PassesMessageAndContext(t *testing.T) {
	type ctxKey struct{}
	var gotName, gotPayload string
	var gotValue interface{}

	exec := NewDirect(SingleResolver{Handler: HandlerFunc(func(ctx context.Context, msg message.Message) (bool, error) {
		gotName = msg.Name
		gotPayload = string(msg.Payload)
		gotValue = ctx.Value(ctxKey{})
		return true, nil
	})})

	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	exec.Execute(ctx, message.New("Greet", []byte("hi")))

	assert.Equal(t, "Greet", gotName)
	assert.Equal(t, "hi", gotPayload)
	assert.Equal(t, "v", gotValue)
}

func TestExecutorFunc(t *testing.T) {
	var e Executor = ExecutorFunc(func(context.Context, message.Message) Result { return Declined() })
	assert.Equal(t, OutcomeDeclined, e.Execute(context.Background(), message.New("x", nil)).Outcome)
}
