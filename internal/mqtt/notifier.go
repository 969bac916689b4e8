package mqtt

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/pkg/jsonfast"
	"github.com/sirupsen/logrus"
)

// Notifier publishes one JSON event per resolved envelope.
// It implements the consumer Observer; publish failures are logged and dropped.
type Notifier struct {
	pub   Publisher
	topic string
	log   *log.Logger

	mu  sync.Mutex
	buf *jsonfast.Builder
}

// NewNotifier publishes events to topic through pub
func NewNotifier(pub Publisher, topic string, logger *log.Logger) *Notifier {
	return &Notifier{
		pub:   pub,
		topic: topic,
		log:   logger,
		buf:   jsonfast.New(256),
	}
}

// Observe encodes event and publishes it
func (n *Notifier) Observe(ctx context.Context, event message.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	payload := n.encode(event)
	if err := n.pub.Publish(ctx, n.topic, payload); err != nil {
		n.log.WarnWithFields(logrus.Fields{
			"topic":   n.topic,
			"queue":   event.Queue,
			"message": event.Name,
			"outcome": string(event.Outcome),
		}, "Failed to publish outcome event: %v", err)
	}
}

// encode returns a copy of the event JSON; the publisher may keep the slice
func (n *Notifier) encode(event message.Event) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := n.buf
	b.Reset()
	b.BeginObject()
	b.AddStringField("id", event.ID)
	b.AddStringField("queue", event.Queue)
	b.AddStringField("name", event.Name)
	b.AddStringField("outcome", string(event.Outcome))
	b.AddIntField("attempts", event.Attempts)
	b.AddTimeField("time", event.Time)
	b.EndObject()

	return append([]byte(nil), b.Bytes()...)
}
