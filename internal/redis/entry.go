package redis

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields
const (
	fieldName       = "name"
	fieldPayload    = "payload"
	fieldAttempts   = "attempts"
	fieldEnqueuedAt = "enqueued_at" // Unix milliseconds
	fieldFailedAt   = "failed_at"   // Unix milliseconds, dead-letter entries only
	fieldSourceID   = "source_id"   // Original entry ID, dead-letter entries only
	fieldError      = "error"       // Parse error, malformed dead-letter entries only
)

var errMissingName = errors.New("entry has no name field")

// Envelope is a stream entry delivered to this consumer
type Envelope struct {
	ID         string
	Stream     string
	EnqueuedAt time.Time
	msg        message.Message
	attempts   int
}

// Unwrap implements message.Envelope
func (e *Envelope) Unwrap() message.Message { return e.msg }

// Attempts implements message.Envelope
func (e *Envelope) Attempts() int { return e.attempts }

// parseEntry decodes a stream entry. Only the name field is required.
func parseEntry(stream string, xmsg redis.XMessage) (*Envelope, error) {
	name, _ := xmsg.Values[fieldName].(string)
	if name == "" {
		return nil, errMissingName
	}

	env := &Envelope{
		ID:     xmsg.ID,
		Stream: stream,
		msg:    message.New(name, nil),
	}

	if p, ok := xmsg.Values[fieldPayload].(string); ok && p != "" {
		env.msg.Payload = []byte(p)
	}

	if a, ok := xmsg.Values[fieldAttempts].(string); ok && a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid attempts %q", a)
		}
		env.attempts = n
	}

	if ts, ok := xmsg.Values[fieldEnqueuedAt].(string); ok && ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid enqueued_at %q", ts)
		}
		env.EnqueuedAt = time.UnixMilli(ms)
	}

	return env, nil
}

// entryValues encodes msg as stream entry fields
func entryValues(msg message.Message, attempts int, enqueuedAt time.Time) map[string]interface{} {
	values := map[string]interface{}{
		fieldName:     msg.Name,
		fieldPayload:  string(msg.Payload),
		fieldAttempts: attempts,
	}
	if !enqueuedAt.IsZero() {
		values[fieldEnqueuedAt] = enqueuedAt.UnixMilli()
	}
	return values
}
