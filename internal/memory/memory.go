// Package memory implements an in-process queue driver for development and tests.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
)

var (
	// ErrUnknownEnvelope is returned when an envelope is not in flight on this driver
	ErrUnknownEnvelope = errors.New("envelope not in flight")
	// ErrForeignEnvelope is returned for envelopes produced by another driver
	ErrForeignEnvelope = errors.New("envelope not produced by memory driver")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("memory driver closed")
)

// Envelope is a message held by the memory driver
type Envelope struct {
	id       uint64
	msg      message.Message
	attempts int
}

// Unwrap implements message.Envelope
func (e *Envelope) Unwrap() message.Message { return e.msg }

// Attempts implements message.Envelope
func (e *Envelope) Attempts() int { return e.attempts }

// ID returns the driver-assigned identifier
func (e *Envelope) ID() string { return strconv.FormatUint(e.id, 10) }

// Calls counts driver operations
type Calls struct {
	Dequeue int
	Ack     int
	Retry   int
	Fail    int
}

// Driver is a FIFO queue per name with a dead-letter list.
// All methods are safe for concurrent use.
type Driver struct {
	mu       sync.Mutex
	queues   map[string][]*Envelope
	dead     map[string][]*Envelope
	inflight map[uint64]string
	nextID   uint64
	calls    Calls
	closed   bool

	pollInterval time.Duration
}

// Option configures a Driver
type Option func(*Driver)

// WithPollInterval makes Dequeue wait this long on an empty queue before
// reporting no message. Zero returns immediately.
func WithPollInterval(d time.Duration) Option {
	return func(m *Driver) {
		m.pollInterval = d
	}
}

// New creates an empty memory driver
func New(opts ...Option) *Driver {
	m := &Driver{
		queues:   make(map[string][]*Envelope),
		dead:     make(map[string][]*Envelope),
		inflight: make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends msg to queue and returns its identifier
func (m *Driver) Enqueue(_ context.Context, queue string, msg message.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", queueerr.NewDriverError("enqueue", ErrClosed)
	}
	m.nextID++
	env := &Envelope{id: m.nextID, msg: msg}
	m.queues[queue] = append(m.queues[queue], env)
	return env.ID(), nil
}

// Dequeue removes the oldest envelope of queue and marks it in flight.
// It returns a nil envelope when the queue stays empty for the poll interval.
func (m *Driver) Dequeue(ctx context.Context, queue string) (message.Envelope, error) {
	m.mu.Lock()
	m.calls.Dequeue++
	m.mu.Unlock()

	if env, err := m.pop(queue); env != nil || err != nil {
		return env, err
	}
	if m.pollInterval <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return m.pop(queue)
}

func (m *Driver) pop(queue string) (message.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, queueerr.NewDriverError("dequeue", ErrClosed)
	}
	pending := m.queues[queue]
	if len(pending) == 0 {
		return nil, nil
	}
	env := pending[0]
	pending[0] = nil
	m.queues[queue] = pending[1:]
	m.inflight[env.id] = queue
	return env, nil
}

// Ack removes the envelope for good
func (m *Driver) Ack(_ context.Context, queue string, env message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Ack++
	if _, err := m.release("ack", queue, env); err != nil {
		return err
	}
	return nil
}

// Retry puts the envelope back at the tail of its queue with one more attempt recorded
func (m *Driver) Retry(_ context.Context, queue string, env message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Retry++
	e, err := m.release("retry", queue, env)
	if err != nil {
		return err
	}
	e.attempts++
	m.queues[queue] = append(m.queues[queue], e)
	return nil
}

// Fail moves the envelope to the dead-letter list of its queue
func (m *Driver) Fail(_ context.Context, queue string, env message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Fail++
	e, err := m.release("fail", queue, env)
	if err != nil {
		return err
	}
	e.attempts++
	m.dead[queue] = append(m.dead[queue], e)
	return nil
}

// release takes env out of the in-flight set; m.mu must be held
func (m *Driver) release(op, queue string, env message.Envelope) (*Envelope, error) {
	if m.closed {
		return nil, queueerr.NewDriverError(op, ErrClosed)
	}
	e, ok := env.(*Envelope)
	if !ok {
		return nil, queueerr.NewDriverError(op, ErrForeignEnvelope)
	}
	if q, ok := m.inflight[e.id]; !ok || q != queue {
		return nil, queueerr.NewDriverError(op, ErrUnknownEnvelope)
	}
	delete(m.inflight, e.id)
	return e, nil
}

// Len returns the number of envelopes waiting in queue
func (m *Driver) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// InFlight returns the number of dequeued, unresolved envelopes
func (m *Driver) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Dead returns the messages failed permanently on queue, oldest first
func (m *Driver) Dead(queue string) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]message.Message, 0, len(m.dead[queue]))
	for _, e := range m.dead[queue] {
		out = append(out, e.msg)
	}
	return out
}

// Calls returns a snapshot of the operation counters
func (m *Driver) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close rejects further operations
func (m *Driver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
