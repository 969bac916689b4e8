// Package handlers contains the message handlers shipped with the consumer binary.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ibs-source/queue-consumer/internal/executor"
	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
	"github.com/ibs-source/queue-consumer/internal/queueerr"
	"github.com/sirupsen/logrus"
)

// Message names handled by Resolver
const (
	NameGreet = "Greet"
	NameNoop  = "Noop"
	NameStop  = "Stop"
)

// Greet logs a greeting for the name in its payload
type Greet struct {
	log *log.Logger
}

// GreetPayload is the body of a Greet message
type GreetPayload struct {
	Name string `json:"name"`
}

// NewGreet creates a Greet handler logging through logger
func NewGreet(logger *log.Logger) *Greet {
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &Greet{log: logger}
}

// Handle implements executor.Handler. An empty payload greets "world";
// a payload that is not a GreetPayload is declined.
func (g *Greet) Handle(_ context.Context, msg message.Message) (bool, error) {
	p := GreetPayload{Name: "world"}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			g.log.WarnWithFields(logrus.Fields{"msg": msg.Name}, "Declining greeting with malformed payload: %v", err)
			return false, nil
		}
	}
	if p.Name == "" {
		return false, nil
	}
	g.log.InfoWithFields(logrus.Fields{"msg": msg.Name, "name": p.Name}, "Hello, %s!", p.Name)
	return true, nil
}

// Noop acknowledges every message
func Noop(context.Context, message.Message) (bool, error) {
	return true, nil
}

// StopPayload is the body of a Stop message
type StopPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Stop asks the consumer to stop gracefully with the code in its payload
func Stop(_ context.Context, msg message.Message) (bool, error) {
	var p StopPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false, fmt.Errorf("decode stop payload: %w", err)
		}
	}
	if p.Reason == "" {
		p.Reason = "stop message received"
	}
	return false, queueerr.Stop(p.Code, p.Reason)
}

// Resolver returns the dispatch table of built-in handlers
func Resolver(logger *log.Logger) executor.MapResolver {
	return executor.MapResolver{
		NameGreet: NewGreet(logger),
		NameNoop:  executor.HandlerFunc(Noop),
		NameStop:  executor.HandlerFunc(Stop),
	}
}
