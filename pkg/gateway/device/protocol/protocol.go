// Package protocol is the wire codec between the server and voice devices.
//
// Text frames carry either a JSON control object with an "event" field or one
// of the literal speaking markers "1" and "0". Binary frames carry raw PCM.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound device events.
const (
	EventWakeWordDetected   = "wake_word_detected"
	EventRecordingStarted   = "recording_started"
	EventRecordingEnded     = "recording_ended"
	EventRecordingCancelled = "recording_cancelled"
	EventWeatherPlayed      = "weather_played"
	EventPong               = "pong"
)

// Outbound server events.
const (
	EventResponseFinished = "response_finished"
	EventError            = "error"
	EventPing             = "ping"
	EventServerDraining   = "server_draining"
)

// Speaking markers relayed to the status observer.
const (
	MarkerSpeakingStarted = "1"
	MarkerSpeakingStopped = "0"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Control is a recognized device control event.
type Control struct {
	Event string
}

// Informational reports whether the event never affects session state.
func (c Control) Informational() bool {
	return c.Event == EventWeatherPlayed || c.Event == EventPong
}

// Marker is a speaking-state marker, forwarded verbatim.
type Marker string

// DecodeText classifies a text frame as a Marker or a Control.
func DecodeText(data []byte) (any, error) {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case MarkerSpeakingStarted, MarkerSpeakingStopped:
		return Marker(trimmed), nil
	case "":
		return nil, badRequest("empty text frame", "")
	}

	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}
	switch event {
	case EventWakeWordDetected, EventRecordingStarted, EventRecordingEnded, EventRecordingCancelled,
		EventWeatherPlayed, EventPong:
		return Control{Event: event}, nil
	default:
		return nil, unsupported("unsupported event", event)
	}
}

// ServerEvent is any JSON message the server sends to a device.
type ServerEvent struct {
	Event   string `json:"event"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ResponseFinished marks the end of a reply stream.
func ResponseFinished() ServerEvent { return ServerEvent{Event: EventResponseFinished} }

// ErrorEvent tells the device a turn failed; the firmware returns to listening.
func ErrorEvent(stage, message string) ServerEvent {
	return ServerEvent{Event: EventError, Stage: stage, Message: message}
}

// Encode marshals a server event.
func Encode(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}
