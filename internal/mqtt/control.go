package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ibs-source/queue-consumer/internal/log"
	"github.com/ibs-source/queue-consumer/internal/message"
)

var errMissingCommand = errors.New("control missing required field: command")

// parseControl parses a control command from JSON payload
func parseControl(payload []byte) (message.Control, error) {
	var ctl message.Control
	if err := json.Unmarshal(payload, &ctl); err != nil {
		return message.Control{}, fmt.Errorf("failed to parse control: %w", err)
	}
	if ctl.Command == "" {
		return message.Control{}, errMissingCommand
	}
	return ctl, nil
}

// SubscribeControl calls stop when a stop command arrives on topic.
// Malformed payloads and unknown commands are ignored.
func SubscribeControl(pub Publisher, topic string, stop func(), logger *log.Logger) error {
	return pub.Subscribe(topic, controlHandler(stop, logger))
}

func controlHandler(stop func(), logger *log.Logger) func([]byte) {
	return func(payload []byte) {
		ctl, err := parseControl(payload)
		if err != nil {
			logger.Debug("Ignoring control payload: %v", err)
			return
		}

		switch ctl.Command {
		case message.CommandStop:
			reason := ctl.Reason
			if reason == "" {
				reason = "no reason given"
			}
			logger.Warn("Stop requested over MQTT: %s", reason)
			stop()
		default:
			logger.Debug("Ignoring unknown control command %q", ctl.Command)
		}
	}
}
