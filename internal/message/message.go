// Package message provides shared data structures for queued work, driver envelopes, outcome events and control commands.
package message

import "time"

// Payload is the canonical alias for raw message body
type Payload = []byte

// Message is a named unit of work. Name drives handler dispatch and logging;
// Payload is opaque to the consumer core.
type Message struct {
	Name    string  `json:"name"`
	Payload Payload `json:"payload,omitempty"`
}

// New builds a Message
func New(name string, payload Payload) Message {
	return Message{Name: name, Payload: payload}
}

// Envelope is the driver-owned wrapper around a Message.
// The consumer only unwraps it and hands it back to the driver that produced it.
type Envelope interface {
	Unwrap() Message
	// Attempts is the number of failed deliveries recorded so far.
	Attempts() int
}

// Outcome is the final queue-state transition applied to an envelope
type Outcome string

// Outcomes reported to observers
const (
	OutcomeAcked   Outcome = "acked"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Event describes a resolved envelope
type Event struct {
	ID       string
	Queue    string
	Name     string
	Outcome  Outcome
	Attempts int
	Time     time.Time
}

// Control is a decoded remote control command
type Control struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// CommandStop asks the consumer to stop after its current cycle
const CommandStop = "stop"
