package consumer

import (
	"context"

	"github.com/ibs-source/queue-consumer/internal/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ibs-source/queue-consumer/internal/consumer"

// metricsRecorder holds the OTel instruments for envelope resolutions
type metricsRecorder struct {
	acked           metric.Int64Counter
	retried         metric.Int64Counter
	failed          metric.Int64Counter
	executionErrors metric.Int64Counter
}

func newMetricsRecorder(mp metric.MeterProvider) (*metricsRecorder, error) {
	meter := mp.Meter(meterName)

	acked, err := meter.Int64Counter(
		"queue.consumer.messages.acked",
		metric.WithDescription("Total number of messages acknowledged after successful handling"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	retried, err := meter.Int64Counter(
		"queue.consumer.messages.retried",
		metric.WithDescription("Total number of messages handed back to the queue for another attempt"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"queue.consumer.messages.failed",
		metric.WithDescription("Total number of messages failed permanently"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	executionErrors, err := meter.Int64Counter(
		"queue.consumer.execution.errors",
		metric.WithDescription("Total number of unexpected handler errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		acked:           acked,
		retried:         retried,
		failed:          failed,
		executionErrors: executionErrors,
	}, nil
}

func attrs(queue string, msg message.Message) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("message", msg.Name),
	)
}

// recordOutcome counts one resolved envelope
func (m *metricsRecorder) recordOutcome(ctx context.Context, queue string, msg message.Message, outcome message.Outcome) {
	switch outcome {
	case message.OutcomeAcked:
		m.acked.Add(ctx, 1, attrs(queue, msg))
	case message.OutcomeRetried:
		m.retried.Add(ctx, 1, attrs(queue, msg))
	case message.OutcomeFailed:
		m.failed.Add(ctx, 1, attrs(queue, msg))
	}
}

// recordExecutionError counts one unexpected handler error
func (m *metricsRecorder) recordExecutionError(ctx context.Context, queue string, msg message.Message) {
	m.executionErrors.Add(ctx, 1, attrs(queue, msg))
}
